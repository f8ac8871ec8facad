// Package events produces the normalized run event streams: low-level runtime
// events (RASP/1.0), durable conversation events (FCMP/1.0), their per-attempt
// JSONL persistence, globally-ordered history reads and the SSE fan-out.
package events

// Protocol versions stamped on every envelope.
const (
	RASPVersion = "RASP/1.0"
	FCMPVersion = "FCMP/1.0"
)

// RASP event categories.
const (
	CategoryLifecycle   = "lifecycle"
	CategoryAgent       = "agent"
	CategoryInteraction = "interaction"
	CategoryTool        = "tool"
	CategoryArtifact    = "artifact"
	CategoryDiagnostic  = "diagnostic"
	CategoryRaw         = "raw"
)

// FCMP event types.
const (
	FCMPConversationStarted      = "conversation.started"
	FCMPConversationStateChanged = "conversation.state.changed"
	FCMPAssistantMessageFinal    = "assistant.message.final"
	FCMPUserInputRequired        = "user.input.required"
	FCMPInteractionReplyAccepted = "interaction.reply.accepted"
	FCMPInteractionAutoDecide    = "interaction.auto_decide.timeout"
	FCMPConversationCompleted    = "conversation.completed"
	FCMPConversationFailed       = "conversation.failed"
	FCMPDiagnosticWarning        = "diagnostic.warning"
	FCMPRawStdout                = "raw.stdout"
	FCMPRawStderr                = "raw.stderr"
)

// Source identifies the parser that produced a runtime event.
type Source struct {
	Engine     string  `json:"engine"`
	Parser     string  `json:"parser"`
	Confidence float64 `json:"confidence"`
}

// EventKind is the category/type pair of a runtime event.
type EventKind struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

// RawRef points back into the captured byte streams.
type RawRef struct {
	AttemptNumber int    `json:"attempt_number"`
	Stream        string `json:"stream"`
	ByteFrom      int64  `json:"byte_from"`
	ByteTo        int64  `json:"byte_to"`
	Encoding      string `json:"encoding,omitempty"`
}

// Meta carries the ordering coordinates every listed event exposes.
type Meta struct {
	LocalSeq int `json:"local_seq"`
	Attempt  int `json:"attempt"`
}

// Event is the on-disk and on-wire envelope shared by both streams. RASP
// events fill Source/Event/RawRef; FCMP events fill Type only.
type Event struct {
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	// Seq is the global monotonic sequence, assigned at read time across
	// attempts. On disk only local_seq is stored.
	Seq           int64          `json:"seq,omitempty"`
	TS            string         `json:"ts"`
	Source        *Source        `json:"source,omitempty"`
	Kind          *EventKind     `json:"event,omitempty"`
	Type          string         `json:"type,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Correlation   string         `json:"correlation,omitempty"`
	AttemptNumber int            `json:"attempt_number"`
	RawRef        *RawRef        `json:"raw_ref,omitempty"`
	Meta          Meta           `json:"meta"`
}

// Stream names the three per-attempt JSONL files.
type Stream string

const (
	StreamRuntime      Stream = "events"
	StreamConversation Stream = "fcmp_events"
	StreamOrchestrator Stream = "orchestrator_events"
)
