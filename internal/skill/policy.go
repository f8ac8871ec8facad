package skill

import (
	"fmt"
	"sort"
	"strings"

	"github.com/floegence/skillrunner/internal/engine"
)

// ResolveEnginePolicy derives the effective engine set from a declared
// allowlist and a denylist. An empty allowlist means the full supported set.
// The result is sorted and guaranteed non-empty.
func ResolveEnginePolicy(declared, unsupported []string) ([]string, error) {
	declared = normalizeEngineList(declared)
	unsupported = normalizeEngineList(unsupported)

	for _, e := range declared {
		if !engine.IsSupported(e) {
			return nil, fmt.Errorf("unknown engine %q in engines", e)
		}
	}
	for _, e := range unsupported {
		if !engine.IsSupported(e) {
			return nil, fmt.Errorf("unknown engine %q in unsupported_engines", e)
		}
	}

	deny := make(map[string]struct{}, len(unsupported))
	for _, e := range unsupported {
		deny[e] = struct{}{}
	}

	if len(declared) == 0 {
		declared = engine.Supported()
	}

	effective := make([]string, 0, len(declared))
	for _, e := range declared {
		if _, denied := deny[e]; denied {
			continue
		}
		effective = append(effective, e)
	}
	if len(effective) == 0 {
		return nil, fmt.Errorf("effective engine set is empty")
	}
	sort.Strings(effective)
	return effective, nil
}

func normalizeEngineList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
