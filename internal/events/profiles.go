package events

import (
	"sort"
	"sync"
)

// ParserProfile describes how an engine's raw output is interpreted.
type ParserProfile struct {
	Engine     string  `json:"engine"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

var (
	profileMu sync.RWMutex
	profiles  = make(map[string]ParserProfile)
)

// RegisterParserProfile records an engine's parser identity; adapters call
// this at startup so events can stamp their source.
func RegisterParserProfile(p ParserProfile) {
	profileMu.Lock()
	defer profileMu.Unlock()
	profiles[p.Engine] = p
}

// ProfileFor returns the registered profile for an engine; a zero-confidence
// raw profile when unregistered.
func ProfileFor(engine string) ParserProfile {
	profileMu.RLock()
	defer profileMu.RUnlock()
	if p, ok := profiles[engine]; ok {
		return p
	}
	return ParserProfile{Engine: engine, Name: "raw", Confidence: 0}
}

// Profiles lists all registered parser profiles, sorted by engine.
func Profiles() []ParserProfile {
	profileMu.RLock()
	defer profileMu.RUnlock()
	out := make([]ParserProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}
