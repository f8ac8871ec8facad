package orchestrator

import (
	"fmt"
	"math"
	"strings"
)

// RuntimeOptions is the closed set of per-request knobs. Anything outside
// this whitelist is rejected at ingress.
type RuntimeOptions struct {
	NoCache           bool   `json:"no_cache,omitempty"`
	Debug             bool   `json:"debug,omitempty"`
	Verbose           int    `json:"verbose,omitempty"`
	ExecutionMode     string `json:"execution_mode,omitempty"`
	SessionTimeoutSec int    `json:"session_timeout_sec,omitempty"`

	// InteractiveRequireUserReply defaults to true under interactive mode.
	// When explicitly false and InteractiveAutoReply is set, the orchestrator
	// may synthesize a reply instead of waiting for a human.
	InteractiveRequireUserReply *bool `json:"interactive_require_user_reply,omitempty"`

	InteractiveAutoReply       bool `json:"interactive_auto_reply,omitempty"`
	InteractiveReplyTimeoutSec int  `json:"interactive_reply_timeout_sec,omitempty"`
	DebugKeepTemp              bool `json:"debug_keep_temp,omitempty"`
}

// Execution modes.
const (
	ModeAuto        = "auto"
	ModeInteractive = "interactive"
)

// sessionTimeoutAliases collapse into session_timeout_sec; the preferred key
// wins and each alias used yields a warning.
var sessionTimeoutAliases = []string{
	"interactive_wait_timeout_sec",
	"hard_wait_timeout_sec",
	"wait_timeout_sec",
}

// ParseRuntimeOptions validates a raw option bag against the whitelist.
// Returns the typed options plus warnings for collapsed alias keys.
func ParseRuntimeOptions(raw map[string]any) (*RuntimeOptions, []string, error) {
	opts := &RuntimeOptions{ExecutionMode: ModeAuto}
	var warnings []string

	known := map[string]bool{
		"no_cache": true, "debug": true, "verbose": true,
		"execution_mode": true, "session_timeout_sec": true,
		"interactive_require_user_reply": true,
		"interactive_auto_reply":         true,
		"interactive_reply_timeout_sec":  true,
		"debug_keep_temp":                true,
	}
	for _, alias := range sessionTimeoutAliases {
		known[alias] = true
	}

	for key := range raw {
		if !known[key] {
			return nil, nil, fmt.Errorf("unknown runtime option %q", key)
		}
	}

	var err error
	if opts.NoCache, err = boolOpt(raw, "no_cache"); err != nil {
		return nil, nil, err
	}
	if opts.Debug, err = boolOpt(raw, "debug"); err != nil {
		return nil, nil, err
	}
	if opts.DebugKeepTemp, err = boolOpt(raw, "debug_keep_temp"); err != nil {
		return nil, nil, err
	}
	if opts.InteractiveAutoReply, err = boolOpt(raw, "interactive_auto_reply"); err != nil {
		return nil, nil, err
	}
	if opts.Verbose, err = intOpt(raw, "verbose", 0); err != nil {
		return nil, nil, err
	}

	if v, ok := raw["execution_mode"]; ok {
		mode, _ := v.(string)
		mode = strings.TrimSpace(mode)
		if mode != ModeAuto && mode != ModeInteractive {
			return nil, nil, fmt.Errorf("invalid execution_mode %q", mode)
		}
		opts.ExecutionMode = mode
	}

	if v, ok := raw["interactive_require_user_reply"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, nil, fmt.Errorf("interactive_require_user_reply must be a boolean")
		}
		opts.InteractiveRequireUserReply = &b
	}

	// Collapse timeout aliases: the preferred key wins, aliases warn.
	if opts.SessionTimeoutSec, err = intOpt(raw, "session_timeout_sec", 1); err != nil {
		return nil, nil, err
	}
	for _, alias := range sessionTimeoutAliases {
		v, ok := raw[alias]
		if !ok {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("runtime option %q is deprecated, use session_timeout_sec", alias))
		if opts.SessionTimeoutSec != 0 {
			continue
		}
		n, err := toInt(v)
		if err != nil || n < 1 {
			return nil, nil, fmt.Errorf("invalid value for %s", alias)
		}
		opts.SessionTimeoutSec = n
	}

	if opts.InteractiveReplyTimeoutSec, err = intOpt(raw, "interactive_reply_timeout_sec", 1); err != nil {
		return nil, nil, err
	}

	return opts, warnings, nil
}

// RequiresUserReply resolves the interactive-reply policy default.
func (o *RuntimeOptions) RequiresUserReply() bool {
	if o == nil {
		return true
	}
	if o.InteractiveRequireUserReply != nil {
		return *o.InteractiveRequireUserReply
	}
	return true
}

// AutoReplyEnabled reports whether auto-decide may synthesize replies.
// interactive_require_user_reply=false alone does not auto-reply; the caller
// must also opt in with interactive_auto_reply.
func (o *RuntimeOptions) AutoReplyEnabled() bool {
	return o != nil && o.InteractiveAutoReply && !o.RequiresUserReply()
}

func boolOpt(raw map[string]any, key string) (bool, error) {
	v, ok := raw[key]
	if !ok {
		return false, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("runtime option %q must be a boolean", key)
	}
	return b, nil
}

func intOpt(raw map[string]any, key string, min int) (int, error) {
	v, ok := raw[key]
	if !ok {
		return 0, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("runtime option %q must be an integer", key)
	}
	if n < min {
		return 0, fmt.Errorf("runtime option %q must be >= %d", key, min)
	}
	return n, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("not an integer")
}
