// Package workspace manages request and run directories: upload extraction,
// input manifests, run allocation and upload promotion.
package workspace

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/floegence/skillrunner/internal/canonjson"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/skill"
)

// Subdirectories allocated for every run.
var runSubdirs = []string{
	"logs", "raw", "artifacts", "result", "interactions", "bundle", ".audit",
}

// ManifestEntry is one uploaded file in the input manifest.
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// InputManifest is the deterministic description of a request's uploads.
type InputManifest struct {
	Files []ManifestEntry `json:"files"`
}

// Manager owns the requests and runs roots.
type Manager struct {
	requestsDir string
	runsDir     string
	logger      *slog.Logger
}

// New creates a Manager. requestsDir and runsDir are created lazily.
func New(requestsDir, runsDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		requestsDir: requestsDir,
		runsDir:     runsDir,
		logger:      logger.With("component", "workspace"),
	}
}

// RunsDir returns the runs root.
func (m *Manager) RunsDir() string { return m.runsDir }

// RequestDir returns the directory for a request id.
func (m *Manager) RequestDir(requestID string) string {
	return filepath.Join(m.requestsDir, requestID)
}

// RunDir returns the directory for a run id.
func (m *Manager) RunDir(runID string) string {
	return filepath.Join(m.runsDir, runID)
}

// CreateRequest allocates <requests>/<id>/ with request.json and an empty
// uploads dir. The directory is removed again if any step fails.
func (m *Manager) CreateRequest(requestID string, payload any) error {
	if err := validateID(requestID); err != nil {
		return err
	}
	dir := m.RequestDir(requestID)
	if err := os.MkdirAll(filepath.Join(dir, "uploads"), 0o755); err != nil {
		return fmt.Errorf("allocate request dir: %w", err)
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("encode request payload: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "request.json"), append(b, '\n'), 0o644); err != nil {
		os.RemoveAll(dir)
		return err
	}
	return nil
}

// HandleUpload validates and extracts a ZIP into the request's uploads dir.
// Any entry whose resolved path escapes uploads/ rejects the whole archive
// with INVALID_UPLOAD. Returns the extracted relative paths, sorted.
func (m *Manager) HandleUpload(requestID string, zipBytes []byte) ([]string, error) {
	if err := validateID(requestID); err != nil {
		return nil, err
	}
	uploadsDir := filepath.Join(m.RequestDir(requestID), "uploads")
	if _, err := os.Stat(uploadsDir); err != nil {
		return nil, errcode.New(errcode.InvalidUpload, "request %s has no uploads dir", requestID)
	}

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, errcode.New(errcode.InvalidUpload, "not a valid zip archive: %v", err)
	}

	// Validate every entry before extracting anything.
	for _, f := range zr.File {
		if _, err := safeJoin(uploadsDir, f.Name); err != nil {
			return nil, err
		}
	}

	var paths []string
	for _, f := range zr.File {
		dest, _ := safeJoin(uploadsDir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, fmt.Errorf("extract %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if err := extractFile(f, dest); err != nil {
			return nil, err
		}
		rel, _ := filepath.Rel(uploadsDir, dest)
		paths = append(paths, filepath.ToSlash(rel))
	}
	sort.Strings(paths)
	m.logger.Info("upload extracted", "request_id", requestID, "files", len(paths))
	return paths, nil
}

// WriteInputManifest walks the request's uploads in sorted order and writes
// input_manifest.json. Equal byte content always yields equal manifests.
func (m *Manager) WriteInputManifest(requestID string) (*InputManifest, string, error) {
	if err := validateID(requestID); err != nil {
		return nil, "", err
	}
	uploadsDir := filepath.Join(m.RequestDir(requestID), "uploads")

	manifest := &InputManifest{Files: []ManifestEntry{}}
	err := filepath.WalkDir(uploadsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Inline-only submissions never allocate an uploads dir.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		sum, err := canonjson.HashFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(uploadsDir, path)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, ManifestEntry{
			Path:   filepath.ToSlash(rel),
			SHA256: sum,
			Size:   info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("walk uploads: %w", err)
	}
	sort.Slice(manifest.Files, func(i, j int) bool {
		return manifest.Files[i].Path < manifest.Files[j].Path
	})

	if err := os.MkdirAll(m.RequestDir(requestID), 0o755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(m.RequestDir(requestID), "input_manifest.json")
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", err
	}
	if err := writeFileAtomic(path, append(b, '\n'), 0o644); err != nil {
		return nil, "", err
	}
	return manifest, path, nil
}

// RunInput is what gets persisted as the run's input.json.
type RunInput struct {
	RequestID     string         `json:"request_id"`
	SkillID       string         `json:"skill_id"`
	Engine        string         `json:"engine"`
	InputPrompt   string         `json:"input_prompt,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	Parameter     map[string]any `json:"parameter,omitempty"`
	EngineOptions map[string]any `json:"engine_options,omitempty"`
	ExecutionMode string         `json:"execution_mode"`
}

// CreateRunForSkill validates engine membership against the skill's effective
// engine set and allocates the run directory tree.
func (m *Manager) CreateRunForSkill(in *RunInput, sk *skill.Manifest) (string, error) {
	if sk == nil {
		return "", errcode.New(errcode.SkillNotFound, "skill %q not found", in.SkillID)
	}
	if !sk.SupportsEngine(in.Engine) {
		return "", errcode.New(errcode.SkillEngineUnsupported,
			"skill %s does not support engine %s", sk.ID, in.Engine)
	}
	return m.CreateRun(in)
}

// CreateRun allocates <runs>/<uuid>/ with the required subdirectories and
// persists input.json. The partial tree is removed on failure.
func (m *Manager) CreateRun(in *RunInput) (string, error) {
	runID := uuid.NewString()
	dir := m.RunDir(runID)
	for _, sub := range runSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("allocate run dir: %w", err)
		}
	}
	b, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, "input.json"), append(b, '\n'), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return runID, nil
}

// PromoteRequestUploads moves the request's uploads dir into the run dir in a
// single rename.
func (m *Manager) PromoteRequestUploads(requestID, runID string) error {
	if err := validateID(requestID); err != nil {
		return err
	}
	src := filepath.Join(m.RequestDir(requestID), "uploads")
	dst := filepath.Join(m.RunDir(runID), "uploads")
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("promote uploads: %w", err)
	}
	return nil
}

// MaterializeTempSkill extracts a skill package ZIP into the request's skill
// dir and returns the dir plus the package's SHA-256. A prior materialization
// for the same request is replaced.
func (m *Manager) MaterializeTempSkill(requestID string, zipBytes []byte) (dir, packageHash string, err error) {
	if err := validateID(requestID); err != nil {
		return "", "", err
	}
	skillDir := filepath.Join(m.RequestDir(requestID), "skill")

	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return "", "", errcode.New(errcode.InvalidUpload, "not a valid skill package: %v", err)
	}
	for _, f := range zr.File {
		if _, err := safeJoin(skillDir, f.Name); err != nil {
			return "", "", err
		}
	}

	if err := os.RemoveAll(skillDir); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		return "", "", err
	}
	for _, f := range zr.File {
		dest, _ := safeJoin(skillDir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return "", "", fmt.Errorf("extract %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", "", fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if err := extractFile(f, dest); err != nil {
			return "", "", err
		}
	}

	sum := sha256.Sum256(zipBytes)
	m.logger.Info("temp skill materialized", "request_id", requestID, "files", len(zr.File))
	return skillDir, hex.EncodeToString(sum[:]), nil
}

// CleanupRequest removes a request directory after its run is bound.
func (m *Manager) CleanupRequest(requestID string) error {
	if err := validateID(requestID); err != nil {
		return err
	}
	return os.RemoveAll(m.RequestDir(requestID))
}

func validateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return errcode.New(errcode.InvalidUpload, "invalid id %q", id)
	}
	return nil
}

// safeJoin resolves name under root and rejects escapes.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errcode.New(errcode.InvalidUpload, "zip entry %q escapes the uploads dir", name)
	}
	return filepath.Join(root, cleaned), nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return errcode.New(errcode.InvalidUpload, "open zip entry %q: %v", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

func writeFileAtomic(path string, b []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
