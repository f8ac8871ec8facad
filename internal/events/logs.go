package events

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LogRange is a byte-span read out of a captured stream.
type LogRange struct {
	Stream   string `json:"stream"`
	Attempt  int    `json:"attempt"`
	ByteFrom int64  `json:"byte_from"`
	ByteTo   int64  `json:"byte_to"`
	EOF      bool   `json:"eof"`
	Text     string `json:"text"`
}

// ReadLogRange returns [from, to) bytes of a run's stdout or stderr. Once an
// attempt has a sealed audit log it is preferred over the live logs/ file,
// which only holds the latest attempt.
func ReadLogRange(runDir, stream string, attempt int, from, to int64) (*LogRange, error) {
	if stream != "stdout" && stream != "stderr" {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	if from < 0 || (to > 0 && to < from) {
		return nil, fmt.Errorf("invalid byte range [%d, %d)", from, to)
	}

	path := filepath.Join(runDir, ".audit", fmt.Sprintf("%s.%d.log", stream, attempt))
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(runDir, "logs", stream+".txt")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if from > size {
		from = size
	}
	if to <= 0 || to > size {
		to = size
	}

	buf := make([]byte, to-from)
	if len(buf) > 0 {
		if _, err := f.ReadAt(buf, from); err != nil && err != io.EOF {
			return nil, err
		}
	}
	return &LogRange{
		Stream:   stream,
		Attempt:  attempt,
		ByteFrom: from,
		ByteTo:   to,
		EOF:      to == size,
		Text:     string(buf),
	}, nil
}
