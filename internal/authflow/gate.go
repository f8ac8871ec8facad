package authflow

import (
	"strings"
	"sync"
	"time"

	"github.com/floegence/skillrunner/internal/errcode"
)

// Gate scopes.
const (
	ScopeAuthFlow       = "auth_flow"
	ScopeInteractiveTUI = "interactive_tui"
)

// GateHolder is the single record an InteractionGate may hold.
type GateHolder struct {
	Scope     string    `json:"scope"`
	SessionID string    `json:"session_id"`
	Engine    string    `json:"engine"`
	CreatedAt time.Time `json:"created_at"`
}

// InteractionGate serializes human-facing flows: at most one auth session or
// interactive TUI owns the user's attention at a time. Acquire is re-entrant
// for the same (scope, session_id).
type InteractionGate struct {
	mu     sync.Mutex
	holder *GateHolder
}

func NewInteractionGate() *InteractionGate {
	return &InteractionGate{}
}

// Acquire takes the gate or returns ENGINE_INTERACTION_BUSY.
func (g *InteractionGate) Acquire(scope, sessionID, engine string) error {
	scope = strings.TrimSpace(scope)
	sessionID = strings.TrimSpace(sessionID)
	if scope == "" || sessionID == "" {
		return errcode.New(errcode.Internal, "gate acquire needs scope and session id")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != nil {
		if g.holder.Scope == scope && g.holder.SessionID == sessionID {
			return nil
		}
		return errcode.New(errcode.EngineInteractionBusy,
			"another interactive flow is active (scope %s, session %s)", g.holder.Scope, g.holder.SessionID)
	}
	g.holder = &GateHolder{Scope: scope, SessionID: sessionID, Engine: engine, CreatedAt: time.Now()}
	return nil
}

// Release clears the gate iff the identifiers match the holder.
func (g *InteractionGate) Release(scope, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != nil && g.holder.Scope == scope && g.holder.SessionID == sessionID {
		g.holder = nil
	}
}

// Holder returns a copy of the current holder, or nil when the gate is free.
func (g *InteractionGate) Holder() *GateHolder {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == nil {
		return nil
	}
	h := *g.holder
	return &h
}
