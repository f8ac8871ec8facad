package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// maxStreamLine bounds a single NDJSON line (large tool results).
const maxStreamLine = 4 << 20

// NDJSONLines splits captured stdout into trimmed, non-empty lines.
func NDJSONLines(stdout []byte) []string {
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64<<10), maxStreamLine)
	var out []string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// LatestTurnWindow drops everything before the last turn.started boundary.
// Engines occasionally emit several turn.started/turn.completed pairs in one
// invocation; only the latest turn counts.
func LatestTurnWindow(lines []string) []string {
	last := -1
	for i, line := range lines {
		if gjson.Get(line, "type").String() == "turn.started" {
			last = i
		}
	}
	if last < 0 {
		return lines
	}
	return lines[last:]
}

// DecodeInteraction validates and decodes an ask_user payload. The engine
// must propose an interaction_id >= 1; the orchestrator re-numbers it before
// parking the run.
func DecodeInteraction(raw map[string]any) (*PendingInteraction, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var p PendingInteraction
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("invalid interaction payload: %w", err)
	}
	if p.InteractionID < 1 {
		return nil, errors.New("interaction_id missing or invalid")
	}
	if !ValidKind(p.Kind) {
		return nil, fmt.Errorf("invalid interaction kind %q", p.Kind)
	}
	return &p, nil
}

// AskUserMarker tags an ask_user JSON object inside free-text streams.
const AskUserMarker = "__SKILL_ASK_USER__"

// ExtractJSONObjects returns every JSON object found in free text, in order:
// fenced ```json blocks first-class, then bare top-level {...} spans.
func ExtractJSONObjects(text string) []map[string]any {
	var out []map[string]any

	appendIfObject := func(candidate string) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil && obj != nil {
			out = append(out, obj)
		}
	}

	rest := text
	for {
		start := strings.Index(rest, "```json")
		if start < 0 {
			break
		}
		body := rest[start+len("```json"):]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		appendIfObject(strings.TrimSpace(body[:end]))
		rest = body[end+3:]
	}

	// Bare objects: scan balanced braces outside fences.
	depth := 0
	startIdx := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				startIdx = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && startIdx >= 0 {
					appendIfObject(text[startIdx : i+1])
					startIdx = -1
				}
			}
		}
	}
	return out
}

// FindFinalPayload returns the last JSON object in text carrying the done
// marker set to true.
func FindFinalPayload(text string) (map[string]any, bool) {
	objs := ExtractJSONObjects(text)
	for i := len(objs) - 1; i >= 0; i-- {
		if done, _ := objs[i][DoneMarker].(bool); done {
			return objs[i], true
		}
	}
	return nil, false
}

// FindAskUserPayload returns the last ask_user-tagged JSON object in text.
func FindAskUserPayload(text string) (map[string]any, bool) {
	objs := ExtractJSONObjects(text)
	for i := len(objs) - 1; i >= 0; i-- {
		if _, tagged := objs[i][AskUserMarker]; tagged {
			return objs[i], true
		}
	}
	return nil, false
}
