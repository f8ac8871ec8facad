package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var streamFileRe = regexp.MustCompile(`^(events|fcmp_events|orchestrator_events)\.(\d+)\.jsonl$`)

// ListOptions scope a history read.
type ListOptions struct {
	// Attempt limits the read to one attempt; 0 means all attempts.
	Attempt int
	// AfterSeq is the cursor: only events with a global seq greater than it
	// are returned. 0 returns everything.
	AfterSeq int64
	// Limit caps the result; 0 means unlimited.
	Limit int
}

// List reads a stream's history across attempts and assigns the global
// monotonic seq: attempts in ascending order, local order within each
// attempt. The same run dir always yields the same numbering, so cursors
// survive reconnects.
func List(runDir string, stream Stream, opts ListOptions) ([]Event, error) {
	attempts, err := streamAttempts(runDir, stream)
	if err != nil {
		return nil, err
	}

	var out []Event
	var seq int64
	for _, attempt := range attempts {
		evs, err := readAttemptFile(runDir, stream, attempt)
		if err != nil {
			return nil, err
		}
		for i := range evs {
			seq++
			if opts.Attempt != 0 && attempt != opts.Attempt {
				continue
			}
			if seq <= opts.AfterSeq {
				continue
			}
			evs[i].Seq = seq
			out = append(out, evs[i])
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// LastSeq returns the current global sequence high-water mark for a stream.
func LastSeq(runDir string, stream Stream) (int64, error) {
	attempts, err := streamAttempts(runDir, stream)
	if err != nil {
		return 0, err
	}
	var seq int64
	for _, attempt := range attempts {
		evs, err := readAttemptFile(runDir, stream, attempt)
		if err != nil {
			return 0, err
		}
		seq += int64(len(evs))
	}
	return seq, nil
}

func streamAttempts(runDir string, stream Stream) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(runDir, ".audit"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var attempts []int
	for _, e := range entries {
		m := streamFileRe.FindStringSubmatch(e.Name())
		if m == nil || Stream(m[1]) != stream {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		attempts = append(attempts, n)
	}
	sort.Ints(attempts)
	return attempts, nil
}

func readAttemptFile(runDir string, stream Stream, attempt int) ([]Event, error) {
	f, err := os.Open(filepath.Join(runDir, ".audit", streamFile(stream, attempt)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn tail line (crash mid-write) ends the attempt's history.
			break
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
