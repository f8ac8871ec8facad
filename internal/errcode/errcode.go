// Package errcode defines the stable error codes surfaced on the wire and in
// status/result envelopes.
package errcode

import "fmt"

const (
	// Input / validation.
	SkillNotFound                 = "SKILL_NOT_FOUND"
	SkillInvalid                  = "SKILL_INVALID"
	SkillEngineUnsupported        = "SKILL_ENGINE_UNSUPPORTED"
	SkillExecutionModeUnsupported = "SKILL_EXECUTION_MODE_UNSUPPORTED"
	InputValidationError          = "INPUT_VALIDATION_ERROR"
	InvalidUpload                 = "INVALID_UPLOAD"

	// Concurrency / lifecycle.
	QueueFull              = "QUEUE_FULL"
	CanceledByUser         = "CANCELED_BY_USER"
	RunAlreadyTerminal     = "RUN_ALREADY_TERMINAL"
	NotInteractive         = "NOT_INTERACTIVE"
	StaleInteraction       = "STALE_INTERACTION"
	IdempotencyConflict    = "IDEMPOTENCY_CONFLICT"
	InteractionProcessLost = "INTERACTION_PROCESS_LOST"
	InteractionWaitTimeout = "INTERACTION_WAIT_TIMEOUT"

	// Subprocess.
	Timeout      = "TIMEOUT"
	AuthRequired = "AUTH_REQUIRED"
	ExitNonzero  = "EXIT_NONZERO"

	// Session / resume.
	SessionResumeFailed            = "SESSION_RESUME_FAILED"
	InteractiveMaxAttemptExceeded  = "INTERACTIVE_MAX_ATTEMPT_EXCEEDED"
	ProtocolSchemaViolation        = "PROTOCOL_SCHEMA_VIOLATION"
	OrchestratorRestartInterrupted = "ORCHESTRATOR_RESTART_INTERRUPTED"

	// Auth.
	EngineInteractionBusy      = "ENGINE_INTERACTION_BUSY"
	AuthCallbackStateInvalid   = "AUTH_CALLBACK_STATE_INVALID"
	AuthExpired                = "AUTH_EXPIRED"
	UnsupportedAuthCombination = "UNSUPPORTED_AUTH_COMBINATION"

	Internal = "INTERNAL_ERROR"
)

// Error carries a stable code plus a human-readable message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Stderr is the tail of captured stderr for subprocess failures.
	Stderr string `json:"stderr,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with a formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
