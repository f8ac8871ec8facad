package httpapi

import (
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/skillrunner/internal/engine"
	"github.com/floegence/skillrunner/internal/errcode"
	"github.com/floegence/skillrunner/internal/events"
	"github.com/floegence/skillrunner/internal/orchestrator"
	"github.com/floegence/skillrunner/internal/schema"
	"github.com/floegence/skillrunner/internal/skill"
	"github.com/floegence/skillrunner/internal/store"
)

// jobPayload is the create-job body, persisted verbatim as request.json when
// submission is deferred until uploads arrive.
type jobPayload struct {
	SkillID        string         `json:"skill_id,omitempty"`
	Engine         string         `json:"engine"`
	InputPrompt    string         `json:"input_prompt,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Parameter      map[string]any `json:"parameter,omitempty"`
	Model          string         `json:"model,omitempty"`
	Effort         string         `json:"effort,omitempty"`
	EngineConfig   map[string]any `json:"engine_config,omitempty"`
	RuntimeOptions map[string]any `json:"runtime_options,omitempty"`
	TempSkill      bool           `json:"temp_skill,omitempty"`
}

func (p *jobPayload) submission(requestID, tempDir, tempHash string) *orchestrator.Submission {
	return &orchestrator.Submission{
		RequestID:   requestID,
		SkillID:     p.SkillID,
		Engine:      p.Engine,
		InputPrompt: p.InputPrompt,
		Input:       p.Input,
		Parameter:   p.Parameter,
		EngineOptions: engine.Options{
			Model:       p.Model,
			Effort:      p.Effort,
			ConfigBlock: p.EngineConfig,
		},
		RuntimeRaw:           p.RuntimeOptions,
		TempSkillDir:         tempDir,
		TempSkillPackageHash: tempHash,
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errcode.New(errcode.InputValidationError, "invalid request body: %v", err)
	}
	return nil
}

// createJob submits immediately when the skill needs no uploaded files;
// otherwise it parks the payload on disk and admission happens at upload time.
// Temp-skill runs always defer: the skill itself arrives with the upload.
func (s *Server) createJob(temp bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p jobPayload
		if err := decodeBody(r, &p); err != nil {
			writeError(w, err)
			return
		}
		p.TempSkill = temp
		if strings.TrimSpace(p.Engine) == "" {
			writeError(w, errcode.New(errcode.InputValidationError, "engine is required"))
			return
		}

		if !temp {
			sk, err := s.skills.Load(p.SkillID)
			if err != nil {
				writeError(w, err)
				return
			}
			if !expectsUploads(sk) {
				res, err := s.orch.Submit(r.Context(), p.submission("", "", ""))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, submitResponse(s, r, res))
				return
			}
		}

		requestID := uuid.NewString()
		if err := s.ws.CreateRequest(requestID, &p); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"request_id": requestID,
			"status":     "awaiting_upload",
		})
	}
}

// uploadJob receives the input zip (and, for temp runs, the skill package)
// and performs the deferred submission.
func (s *Server) uploadJob(temp bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("request_id")
		p, err := s.loadDeferredPayload(requestID)
		if err != nil {
			writeError(w, err)
			return
		}
		if p.TempSkill != temp {
			notFound(w, "request %s does not belong to this endpoint", requestID)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, errcode.New(errcode.InvalidUpload, "invalid multipart body: %v", err))
			return
		}

		var tempDir, tempHash string
		if temp {
			pkg, err := formZip(r, "skill_package")
			if err != nil {
				writeError(w, err)
				return
			}
			if pkg == nil {
				writeError(w, errcode.New(errcode.InvalidUpload, "skill_package part is required"))
				return
			}
			tempDir, tempHash, err = s.ws.MaterializeTempSkill(requestID, pkg)
			if err != nil {
				writeError(w, err)
				return
			}
		}

		var extracted []string
		if inputs, err := formZip(r, "file"); err != nil {
			writeError(w, err)
			return
		} else if inputs != nil {
			extracted, err = s.ws.HandleUpload(requestID, inputs)
			if err != nil {
				writeError(w, err)
				return
			}
		}

		res, err := s.orch.Submit(r.Context(), p.submission(requestID, tempDir, tempHash))
		if err != nil {
			writeError(w, err)
			return
		}
		resp := submitResponse(s, r, res)
		resp["extracted_files"] = extracted
		writeJSON(w, http.StatusOK, resp)
	}
}

func submitResponse(s *Server, r *http.Request, res *orchestrator.SubmitResult) map[string]any {
	status := store.StatusQueued
	if res.CacheHit {
		status = store.StatusSucceeded
	} else if sf, err := orchestrator.ReadStatus(s.ws.RunDir(res.RunID)); err == nil && sf != nil {
		status = sf.Status
	}
	out := map[string]any{
		"request_id": res.RequestID,
		"run_id":     res.RunID,
		"cache_hit":  res.CacheHit,
		"status":     status,
	}
	if len(res.Warnings) > 0 {
		out["warnings"] = res.Warnings
	}
	return out
}

func (s *Server) loadDeferredPayload(requestID string) (*jobPayload, error) {
	b, err := os.ReadFile(filepath.Join(s.ws.RequestDir(requestID), "request.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errcode.New(errcode.InvalidUpload, "request %s has no pending upload", requestID)
		}
		return nil, err
	}
	var p jobPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func formZip(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, errcode.New(errcode.InvalidUpload, "reading %s part: %v", field, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, errcode.New(errcode.InvalidUpload, "reading %s part: %v", field, err)
	}
	return b, nil
}

// expectsUploads reports whether any input-schema field is file-sourced, in
// which case admission waits for the upload call.
func expectsUploads(sk *skill.Manifest) bool {
	if sk.Schemas[skill.SchemaInput] == "" {
		return false
	}
	path, err := sk.SchemaPath(skill.SchemaInput)
	if err != nil {
		return false
	}
	doc, err := schema.LoadFile(path)
	if err != nil {
		return false
	}
	sources, err := schema.ClassifyInputFields(doc)
	if err != nil {
		return false
	}
	for _, src := range sources {
		if src == schema.SourceFile {
			return true
		}
	}
	return false
}

// requestStatus is the wire status envelope for one request.
type requestStatus struct {
	RequestID            string         `json:"request_id"`
	Status               string         `json:"status"`
	SkillID              string         `json:"skill_id,omitempty"`
	Engine               string         `json:"engine"`
	RunID                string         `json:"run_id,omitempty"`
	CreatedAt            string         `json:"created_at"`
	UpdatedAt            string         `json:"updated_at"`
	Warnings             []string       `json:"warnings"`
	Error                *errcode.Error `json:"error,omitempty"`
	AutoDecisionCount    int            `json:"auto_decision_count"`
	LastAutoDecisionAt   string         `json:"last_auto_decision_at,omitempty"`
	PendingInteractionID int            `json:"pending_interaction_id,omitempty"`
	InteractionCount     int            `json:"interaction_count"`
	RecoveryState        string         `json:"recovery_state"`
	RecoveryReason       string         `json:"recovery_reason,omitempty"`
	RecoveredAt          string         `json:"recovered_at,omitempty"`
}

func msToRFC3339(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func (s *Server) buildStatus(r *http.Request, requestID string) (*requestStatus, error) {
	ctx := r.Context()
	req, err := s.st.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	out := &requestStatus{
		RequestID:     req.RequestID,
		Status:        req.Status,
		SkillID:       req.SkillID,
		Engine:        req.Engine,
		RunID:         req.RunID,
		CreatedAt:     msToRFC3339(req.CreatedAtUnixMs),
		UpdatedAt:     msToRFC3339(req.UpdatedAtUnixMs),
		Warnings:      []string{},
		RecoveryState: "none",
	}

	if req.RunID != "" {
		if sf, err := orchestrator.ReadStatus(s.ws.RunDir(req.RunID)); err == nil && sf != nil {
			out.Status = sf.Status
			out.Warnings = sf.Warnings
			out.Error = sf.Error
		}
		if state, reason, atMs, err := s.st.GetRecovery(ctx, req.RunID); err == nil && state != "" {
			out.RecoveryState = state
			out.RecoveryReason = reason
			out.RecoveredAt = msToRFC3339(atMs)
		}
	}
	if pending, err := s.st.GetPendingInteraction(ctx, requestID); err == nil && pending != nil {
		out.PendingInteractionID = pending.InteractionID
	}
	if hist, err := s.st.ListInteractionHistory(ctx, requestID); err == nil {
		out.InteractionCount = len(hist)
	}
	if n, lastAt, err := s.st.AutoDecisionStats(ctx, requestID); err == nil {
		out.AutoDecisionCount = n
		out.LastAutoDecisionAt = msToRFC3339(lastAt)
	}
	return out, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.buildStatus(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// boundRun resolves the request to its run, or fails with a 404-mapped error.
func (s *Server) boundRun(r *http.Request, requestID string) (*store.Request, string, error) {
	req, err := s.st.GetRequest(r.Context(), requestID)
	if err != nil {
		return nil, "", err
	}
	if req.RunID == "" {
		return nil, "", store.ErrNotFound
	}
	return req, s.ws.RunDir(req.RunID), nil
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	req, runDir, err := s.boundRun(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := os.ReadFile(filepath.Join(runDir, "result", "result.json"))
	if err != nil {
		if os.IsNotExist(err) {
			notFound(w, "run %s has no result yet", req.RunID)
			return
		}
		writeError(w, err)
		return
	}
	var env orchestrator.ResultEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": req.RequestID,
		"run_id":     req.RunID,
		"result":     &env,
	})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	_, runDir, err := s.boundRun(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	root := filepath.Join(runDir, "artifacts")
	paths := []string{}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
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
		paths = append(paths, filepath.ToSlash(filepath.Join("artifacts", rel)))
		return nil
	})
	if walkErr != nil {
		writeError(w, walkErr)
		return
	}
	sort.Strings(paths)
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": paths})
}

func (s *Server) handleArtifactFile(w http.ResponseWriter, r *http.Request) {
	_, runDir, err := s.boundRun(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	root := filepath.Join(runDir, "artifacts")
	rel := filepath.Clean(filepath.FromSlash(r.PathValue("path")))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeError(w, errcode.New(errcode.InputValidationError, "artifact path escapes the artifacts root"))
		return
	}
	full := filepath.Join(root, rel)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		notFound(w, "artifact %q not found", r.PathValue("path"))
		return
	}
	http.ServeFile(w, r, full)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	req, runDir, err := s.boundRun(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := "run_bundle.zip"
	opts, _, optErr := orchestrator.ParseRuntimeOptions(decodeRuntimeOptions(req.RuntimeOptionsJSON))
	if optErr == nil && opts.Debug {
		name = "run_bundle_debug.zip"
	}
	path := filepath.Join(runDir, "bundle", name)
	if _, err := os.Stat(path); err != nil {
		notFound(w, "run %s has no bundle yet", req.RunID)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

func decodeRuntimeOptions(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	_, runDir, err := s.boundRun(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{}
	for name, file := range map[string]string{
		"prompt": "prompt.txt",
		"stdout": "stdout.txt",
		"stderr": "stderr.txt",
	} {
		if b, err := os.ReadFile(filepath.Join(runDir, "logs", file)); err == nil {
			out[name] = string(b)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogRange(w http.ResponseWriter, r *http.Request) {
	req, runDir, err := s.boundRun(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	stream := q.Get("stream")
	if stream == "" {
		stream = "stdout"
	}
	attempt := queryInt(q.Get("attempt"), 0)
	if attempt == 0 {
		if run, err := s.st.GetRun(r.Context(), req.RunID); err == nil {
			attempt = run.Attempt
		}
	}
	lr, err := events.ReadLogRange(runDir, stream, attempt,
		queryInt64(q.Get("byte_from"), 0), queryInt64(q.Get("byte_to"), 0))
	if err != nil {
		writeError(w, errcode.New(errcode.InputValidationError, "%s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chunk": lr.Text,
		"from":  lr.ByteFrom,
		"to":    lr.ByteTo,
		"eof":   lr.EOF,
	})
}

func streamFromQuery(q string) events.Stream {
	switch q {
	case "runtime":
		return events.StreamRuntime
	case "orchestrator":
		return events.StreamOrchestrator
	default:
		return events.StreamConversation
	}
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	req, runDir, err := s.boundRun(r, requestID)
	if err != nil {
		writeError(w, err)
		return
	}

	snapshot := map[string]any{}
	if st, err := s.buildStatus(r, requestID); err == nil {
		snapshot["status"] = st
	}
	if pending, err := s.orch.GetPending(r.Context(), requestID); err == nil && pending != nil {
		snapshot["pending_interaction"] = pending
	}

	q := r.URL.Query()
	err = s.orch.Hub().ServeSSE(w, r, events.StreamOptions{
		RunID:      req.RunID,
		RunDir:     runDir,
		Cursor:     queryInt64(q.Get("cursor"), 0),
		StdoutFrom: queryInt64(q.Get("stdout_from"), 0),
		StderrFrom: queryInt64(q.Get("stderr_from"), 0),
		Snapshot:   snapshot,
		Status: func() (any, string) {
			st, err := s.buildStatus(r, requestID)
			if err != nil {
				return nil, ""
			}
			return st, st.Status
		},
	})
	if err != nil && r.Context().Err() == nil {
		s.log.Warn("sse stream ended with error", "request_id", requestID, "error", err)
	}
}

func (s *Server) handleEventsHistory(w http.ResponseWriter, r *http.Request) {
	_, runDir, err := s.boundRun(r, r.PathValue("request_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	evs, err := events.List(runDir, streamFromQuery(q.Get("stream")), events.ListOptions{
		AfterSeq: queryInt64(q.Get("from_seq"), 0),
		Attempt:  queryInt(q.Get("attempt"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if toSeq := queryInt64(q.Get("to_seq"), 0); toSeq > 0 {
		filtered := evs[:0]
		for _, ev := range evs {
			if ev.Seq <= toSeq {
				filtered = append(filtered, ev)
			}
		}
		evs = filtered
	}
	if fromTS := q.Get("from_ts"); fromTS != "" {
		evs = filterTS(evs, func(ts string) bool { return ts >= fromTS })
	}
	if toTS := q.Get("to_ts"); toTS != "" {
		evs = filterTS(evs, func(ts string) bool { return ts <= toTS })
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(evs), "events": evs})
}

// filterTS relies on RFC3339 timestamps ordering lexically.
func filterTS(evs []events.Event, keep func(ts string) bool) []events.Event {
	out := evs[:0]
	for _, ev := range evs {
		if keep(ev.TS) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Server) handlePendingInteraction(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	st, err := s.buildStatus(r, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.orch.GetPending(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{"status": st.Status}
	if pending != nil {
		out["pending"] = pending
	}
	writeJSON(w, http.StatusOK, out)
}

type replyBody struct {
	InteractionID  int            `json:"interaction_id"`
	Response       map[string]any `json:"response"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

func (s *Server) handleInteractionReply(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	var body replyBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.orch.SubmitReply(r.Context(), requestID, body.InteractionID, body.Response, body.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	switch status {
	case store.ReplyAccepted, store.ReplyIdempotent:
		writeJSON(w, http.StatusOK, map[string]any{"status": string(status), "accepted": true})
	case store.ReplyStale:
		writeError(w, errcode.New(errcode.StaleInteraction,
			"interaction %d is not the pending interaction", body.InteractionID))
	case store.ReplyIdempotencyConflict:
		writeError(w, errcode.New(errcode.IdempotencyConflict,
			"idempotency key was already used with a different response"))
	default:
		writeError(w, errcode.New(errcode.Internal, "unexpected reply status %q", status))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	req, _, err := s.boundRun(r, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	accepted, err := s.orch.Cancel(r.Context(), req.RunID)
	if err != nil {
		writeError(w, err)
		return
	}
	message := "cancellation requested"
	if !accepted {
		message = "run is already terminal"
	}
	st, _ := s.buildStatus(r, requestID)
	status := ""
	if st != nil {
		status = st.Status
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"run_id":     req.RunID,
		"status":     status,
		"accepted":   accepted,
		"message":    message,
	})
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}
