package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// End reasons for an SSE stream.
const (
	EndTerminal    = "terminal"
	EndWaitingUser = "waiting_user"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// Hub fans live events out to SSE subscribers, per run.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
	ends map[string]string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		ends: make(map[string]string),
	}
}

// Publish delivers a live event to all current subscribers of the run. Slow
// subscribers drop events; history reads recover them via the cursor.
func (h *Hub) Publish(runID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[runID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// End marks the run's stream finished and wakes subscribers.
func (h *Hub) End(runID, reason string) {
	h.mu.Lock()
	h.ends[runID] = reason
	chans := h.subs[runID]
	h.mu.Unlock()
	for ch := range chans {
		select {
		case ch <- Event{Type: "end", Data: map[string]any{"reason": reason}}:
		default:
		}
	}
}

// EndReason returns the recorded end reason, empty while streaming.
func (h *Hub) EndReason(runID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ends[runID]
}

// ClearEnd forgets a previous end mark (run re-entered running).
func (h *Hub) ClearEnd(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ends, runID)
}

// Subscribe registers a live listener; the returned cancel must be called.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, 256)
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[chan Event]struct{})
	}
	h.subs[runID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs[runID], ch)
		if len(h.subs[runID]) == 0 {
			delete(h.subs, runID)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// StreamOptions configure one SSE response. A single connection multiplexes
// everything a watching client needs: `snapshot` first, then `run_event`
// (runtime stream) and `chat_event` (conversation stream) envelopes, `stdout`
// and `stderr` byte chunks, a `status` event on each status transition and a
// final `end` event when the run parks or finishes.
type StreamOptions struct {
	RunID  string
	RunDir string
	// Cursor resumes both audit streams past the given global seq; 0 streams
	// from the beginning.
	Cursor int64
	// StdoutFrom/StderrFrom are byte offsets into the live logs from which
	// tailing starts.
	StdoutFrom int64
	StderrFrom int64
	// Snapshot, when non-nil, is sent first as a `snapshot` SSE event
	// (status + pending interaction).
	Snapshot any
	// Status, when non-nil, returns the current status envelope plus a
	// comparison key; a changed key emits a `status` event.
	Status func() (any, string)
}

// ServeSSE writes the multiplexed event stream for one run.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, opts StreamOptions) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(eventName string, payload any) error {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Subscribe before backfilling so no event can fall between the two.
	live, cancel := h.Subscribe(opts.RunID)
	defer cancel()

	if opts.Snapshot != nil {
		if err := send("snapshot", opts.Snapshot); err != nil {
			return err
		}
	}

	// The snapshot already carries the current status; transitions after this
	// point emit `status` events.
	lastStatus := ""
	if opts.Status != nil {
		_, lastStatus = opts.Status()
	}

	runCursor, chatCursor := opts.Cursor, opts.Cursor
	stdoutFrom, stderrFrom := opts.StdoutFrom, opts.StderrFrom

	// flush drains everything that accumulated since the last wakeup, in a
	// stable order: status first, then event envelopes, then raw bytes.
	flush := func() error {
		if opts.Status != nil {
			if payload, key := opts.Status(); key != "" && key != lastStatus {
				if err := send("status", payload); err != nil {
					return err
				}
				lastStatus = key
			}
		}
		if err := sendStream(send, "run_event", opts.RunDir, StreamRuntime, &runCursor); err != nil {
			return err
		}
		if err := sendStream(send, "chat_event", opts.RunDir, StreamConversation, &chatCursor); err != nil {
			return err
		}
		if err := sendTail(send, "stdout", opts.RunDir, &stdoutFrom); err != nil {
			return err
		}
		return sendTail(send, "stderr", opts.RunDir, &stderrFrom)
	}

	if err := flush(); err != nil {
		return err
	}
	if reason := h.EndReason(opts.RunID); reason != "" {
		return send("end", map[string]any{"reason": reason})
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-heartbeat.C:
			// Heartbeats double as a catch-up pass: a dropped live event is
			// recovered from history on the next tick.
			if err := flush(); err != nil {
				return err
			}
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case ev := <-live:
			if err := flush(); err != nil {
				return err
			}
			if ev.Type == "end" {
				return send("end", ev.Data)
			}
		}
	}
}

// sendStream backfills one audit stream from its cursor. Live events carry no
// global seq; re-reading from the cursor keeps numbering aligned with history.
func sendStream(send func(string, any) error, name, runDir string, stream Stream, cursor *int64) error {
	fresh, err := List(runDir, stream, ListOptions{AfterSeq: *cursor})
	if err != nil {
		return err
	}
	for _, ev := range fresh {
		if err := send(name, ev); err != nil {
			return err
		}
		*cursor = ev.Seq
	}
	return nil
}

// sendTail emits new bytes of a live log as one chunk. The live file is
// truncated when a retry starts a new attempt; a shrunken file restarts the
// tail from zero.
func sendTail(send func(string, any) error, stream, runDir string, from *int64) error {
	lr, err := ReadLogRange(runDir, stream, 0, *from, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if lr.ByteFrom < *from {
		if lr, err = ReadLogRange(runDir, stream, 0, 0, 0); err != nil {
			return err
		}
	}
	if lr.ByteTo == lr.ByteFrom {
		return nil
	}
	*from = lr.ByteTo
	return send(stream, lr)
}
