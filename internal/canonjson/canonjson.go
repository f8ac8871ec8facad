// Package canonjson produces deterministic JSON encodings and content hashes.
//
// Cache keys and fingerprints must be byte-stable for logically equal inputs,
// so every object is re-encoded with recursively sorted keys and no extra
// whitespace before hashing.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// Marshal encodes v as canonical JSON: map keys sorted recursively, compact
// output, HTML escaping disabled.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	// Encoder appends a trailing newline; strip it so hashes are over the
	// bare document.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HashJSON returns the lowercase sha256 hex digest of the canonical encoding of v.
func HashJSON(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase sha256 hex digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile streams path through sha256 and returns the lowercase hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return newSortedMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return nil, err
		}
		return normalize(decoded)
	case string, bool, float64, int, int64, json.Number:
		return val, nil
	default:
		// Structs and typed maps: round-trip through encoding/json so the
		// generic normalization above applies.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, err
		}
		if _, again := decoded.(map[string]any); again {
			return normalize(decoded)
		}
		if _, again := decoded.([]any); again {
			return normalize(decoded)
		}
		return decoded, nil
	}
}

type sortedMap struct {
	keys   []string
	values map[string]any
}

func newSortedMap(m map[string]any) (*sortedMap, error) {
	sm := &sortedMap{
		keys:   make([]string, 0, len(m)),
		values: make(map[string]any, len(m)),
	}
	for k := range m {
		sm.keys = append(sm.keys, k)
	}
	sort.Strings(sm.keys)
	for k, v := range m {
		n, err := normalize(v)
		if err != nil {
			return nil, err
		}
		sm.values[k] = n
	}
	return sm, nil
}

func (sm *sortedMap) MarshalJSON() ([]byte, error) {
	if sm == nil {
		return nil, errors.New("nil sortedMap")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range sm.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		var vb bytes.Buffer
		enc := json.NewEncoder(&vb)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(sm.values[k]); err != nil {
			return nil, err
		}
		buf.Write(bytes.TrimRight(vb.Bytes(), "\n"))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
