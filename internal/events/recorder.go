package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder appends events to a run's per-attempt JSONL files. Events are
// serialized per run; local_seq restarts at 1 for each (stream, attempt)
// file so the files are independently replayable.
type Recorder struct {
	runDir string
	runID  string

	mu       sync.Mutex
	localSeq map[string]int
}

// NewRecorder creates a Recorder for one run directory.
func NewRecorder(runDir, runID string) *Recorder {
	return &Recorder{
		runDir:   runDir,
		runID:    runID,
		localSeq: make(map[string]int),
	}
}

func streamFile(stream Stream, attempt int) string {
	return fmt.Sprintf("%s.%d.jsonl", stream, attempt)
}

// Append writes one event to the stream's file for the given attempt, filling
// run id, timestamp and local sequence.
func (r *Recorder) Append(stream Stream, attempt int, ev *Event) error {
	if r == nil || ev == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(stream) + "/" + fmt.Sprint(attempt)
	r.localSeq[key]++

	ev.RunID = r.runID
	ev.AttemptNumber = attempt
	ev.Meta = Meta{LocalSeq: r.localSeq[key], Attempt: attempt}
	if ev.TS == "" {
		ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.ProtocolVersion == "" {
		if stream == StreamRuntime {
			ev.ProtocolVersion = RASPVersion
		} else {
			ev.ProtocolVersion = FCMPVersion
		}
	}

	dir := filepath.Join(r.runDir, ".audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, streamFile(stream, attempt)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Conversation appends an FCMP event with the given type and data.
func (r *Recorder) Conversation(attempt int, eventType string, data map[string]any) error {
	return r.Append(StreamConversation, attempt, &Event{Type: eventType, Data: data})
}

// Runtime appends a RASP event.
func (r *Recorder) Runtime(attempt int, src Source, kind EventKind, data map[string]any, raw *RawRef) error {
	return r.Append(StreamRuntime, attempt, &Event{
		Source: &src,
		Kind:   &kind,
		Data:   data,
		RawRef: raw,
	})
}

// Orchestrator appends an internal orchestration event.
func (r *Recorder) Orchestrator(attempt int, eventType string, data map[string]any) error {
	return r.Append(StreamOrchestrator, attempt, &Event{Type: eventType, Data: data})
}
