package authflow

import (
	"strings"
	"sync"
	"time"

	"github.com/floegence/skillrunner/internal/errcode"
)

// Callback channels. Each maps to one loopback listener.
const (
	ChannelOpenAI      = "openai"
	ChannelGemini      = "gemini"
	ChannelIFlow       = "iflow"
	ChannelAntigravity = "antigravity"
)

// ValidChannel reports whether name is a known callback channel.
func ValidChannel(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ChannelOpenAI, ChannelGemini, ChannelIFlow, ChannelAntigravity:
		return true
	}
	return false
}

type stateEntry struct {
	sessionID string
	createdAt time.Time
	consumed  bool
}

// CallbackStateStore maps (channel, state_token) to a session and enforces
// one-shot consumption: a replayed callback URL can never resolve twice.
type CallbackStateStore struct {
	mu      sync.Mutex
	entries map[[2]string]*stateEntry
}

func NewCallbackStateStore() *CallbackStateStore {
	return &CallbackStateStore{entries: make(map[[2]string]*stateEntry)}
}

func stateKey(channel, state string) [2]string {
	return [2]string{strings.ToLower(strings.TrimSpace(channel)), state}
}

// Put registers a state token for a session.
func (s *CallbackStateStore) Put(channel, state, sessionID string) error {
	if !ValidChannel(channel) {
		return errcode.New(errcode.AuthCallbackStateInvalid, "unknown callback channel %q", channel)
	}
	if strings.TrimSpace(state) == "" {
		return errcode.New(errcode.AuthCallbackStateInvalid, "empty state token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[stateKey(channel, state)] = &stateEntry{sessionID: sessionID, createdAt: time.Now()}
	return nil
}

// Consume resolves a state token to its session exactly once.
func (s *CallbackStateStore) Consume(channel, state string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", errcode.New(errcode.AuthCallbackStateInvalid, "missing state parameter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[stateKey(channel, state)]
	if !ok {
		return "", errcode.New(errcode.AuthCallbackStateInvalid, "unknown state token")
	}
	if e.consumed {
		return "", errcode.New(errcode.AuthCallbackStateInvalid, "state already consumed")
	}
	e.consumed = true
	return e.sessionID, nil
}

// DropSession removes every state registered for a session (finalize/cancel).
func (s *CallbackStateStore) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.sessionID == sessionID {
			delete(s.entries, k)
		}
	}
}

// Sweep drops entries older than maxAge and returns how many were removed.
func (s *CallbackStateStore) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.createdAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}
