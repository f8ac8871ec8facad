package orchestrator

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/schema"
)

// StatusFile is the orchestrator-owned status.json payload.
type StatusFile struct {
	Status                     string         `json:"status"`
	UpdatedAt                  string         `json:"updated_at"`
	Warnings                   []string       `json:"warnings"`
	Error                      *errcode.Error `json:"error,omitempty"`
	EffectiveSessionTimeoutSec int            `json:"effective_session_timeout_sec,omitempty"`
}

// WriteStatus atomically replaces the run's status.json.
func WriteStatus(runDir string, sf *StatusFile) error {
	if sf.UpdatedAt == "" {
		sf.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if sf.Warnings == nil {
		sf.Warnings = []string{}
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(runDir, "status.json"), append(b, '\n'))
}

// ReadStatus loads status.json; nil when absent.
func ReadStatus(runDir string) (*StatusFile, error) {
	b, err := os.ReadFile(filepath.Join(runDir, "status.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sf StatusFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// ResultError is the error half of a result envelope.
type ResultError struct {
	Message string `json:"message"`
	Stderr  string `json:"stderr,omitempty"`
}

// ResultEnvelope is the normalized result/result.json payload.
type ResultEnvelope struct {
	Status             string         `json:"status"`
	Data               map[string]any `json:"data"`
	Artifacts          []string       `json:"artifacts"`
	ValidationWarnings []string       `json:"validation_warnings"`
	Error              *ResultError   `json:"error"`
}

// FinalizeResult validates a final payload against the output schema, scans
// artifacts/ for the declared contracts and writes result/result.json. The
// returned envelope has Status "success" only when every check passes.
func FinalizeResult(runDir string, finalData map[string]any, outputSchema *schema.Document, artifacts []engine.ArtifactSpec) (*ResultEnvelope, error) {
	env := &ResultEnvelope{
		Data:               finalData,
		Artifacts:          []string{},
		ValidationWarnings: []string{},
	}

	var failures []string
	if outputSchema != nil {
		payload := stripDoneMarker(finalData)
		for _, v := range outputSchema.Validate(payload) {
			failures = append(failures, "output schema: "+v)
		}
	}

	found, err := scanArtifacts(runDir)
	if err != nil {
		return nil, err
	}
	env.Artifacts = found

	for _, spec := range artifacts {
		matched := false
		for _, rel := range found {
			if ok, _ := filepath.Match(spec.Pattern, filepath.Base(rel)); ok {
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if spec.Required {
			failures = append(failures, fmt.Sprintf("required artifact %q (pattern %s) was not produced", spec.Role, spec.Pattern))
		} else {
			env.ValidationWarnings = append(env.ValidationWarnings, fmt.Sprintf("optional artifact %q (pattern %s) was not produced", spec.Role, spec.Pattern))
		}
	}

	if len(failures) == 0 {
		env.Status = "success"
	} else {
		env.Status = "failed"
		env.Error = &ResultError{Message: strings.Join(failures, "; ")}
	}

	if err := writeResult(runDir, env); err != nil {
		return nil, err
	}
	return env, nil
}

// WriteFailedResult records a terminal failure envelope.
func WriteFailedResult(runDir string, e *errcode.Error) (*ResultEnvelope, error) {
	env := &ResultEnvelope{
		Status:             "failed",
		Artifacts:          []string{},
		ValidationWarnings: []string{},
		Error:              &ResultError{Message: e.Error(), Stderr: e.Stderr},
	}
	if found, err := scanArtifacts(runDir); err == nil {
		env.Artifacts = found
	}
	if err := writeResult(runDir, env); err != nil {
		return nil, err
	}
	return env, nil
}

func writeResult(runDir string, env *ResultEnvelope) error {
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(runDir, "result"), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(runDir, "result", "result.json"), append(b, '\n'))
}

// scanArtifacts lists artifacts/ relative paths, sorted.
func scanArtifacts(runDir string) ([]string, error) {
	root := filepath.Join(runDir, "artifacts")
	out := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(filepath.Join("artifacts", rel)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// stripDoneMarker removes the sentinel before schema validation so schemas
// with additionalProperties=false still pass.
func stripDoneMarker(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == engine.DoneMarker {
			continue
		}
		out[k] = v
	}
	return out
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
