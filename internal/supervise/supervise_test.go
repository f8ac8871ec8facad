package supervise

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/skillrunner/internal/errcode"
)

func runDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".audit"), 0o755))
	return dir
}

func TestRunSuccessCapturesStreams(t *testing.T) {
	dir := runDir(t)
	res, err := Run(context.Background(), Spec{
		Command: []string{"/bin/sh", "-c", `echo '{"ok":true}'; echo warn >&2`},
		RunDir:  dir,
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.FailureReason)
	assert.Nil(t, res.Err())
	assert.Contains(t, string(res.Stdout), `{"ok":true}`)
	assert.Contains(t, res.StderrTail, "warn")

	// Live logs and per-attempt audit copies both exist.
	live, err := os.ReadFile(filepath.Join(dir, "logs", "stdout.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(live), `{"ok":true}`)
	audit, err := os.ReadFile(filepath.Join(dir, ".audit", "stdout.1.log"))
	require.NoError(t, err)
	assert.Equal(t, live, audit)
}

func TestRunDrainsStreamsBeforeReturning(t *testing.T) {
	// A burst right before exit must be fully captured; Wait may not return
	// until the stream copies reach EOF.
	res, err := Run(context.Background(), Spec{
		Command: []string{"/bin/sh", "-c", `i=0; while [ $i -lt 2000 ]; do echo line-$i; i=$((i+1)); done; echo tail >&2`},
		RunDir:  runDir(t),
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 2000, bytes.Count(res.Stdout, []byte("\n")))
	assert.Contains(t, string(res.Stdout), "line-1999")
	assert.Contains(t, res.StderrTail, "tail")
}

func TestRunClassifiesExitNonzero(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: []string{"/bin/sh", "-c", "echo boom >&2; exit 3"},
		RunDir:  runDir(t),
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, errcode.ExitNonzero, res.FailureReason)
	assert.Contains(t, res.Err().Stderr, "boom")
}

func TestRunClassifiesAuthRequired(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Command: []string{"/bin/sh", "-c", "echo SERVER_OAUTH2_REQUIRED >&2; exit 1"},
		RunDir:  runDir(t),
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, errcode.AuthRequired, res.FailureReason)
}

func TestHardTimeoutKillsTree(t *testing.T) {
	// The child spawns a grandchild that ignores TERM; the group kill plus
	// straggler sweep must still finish well inside timeout + grace.
	start := time.Now()
	res, err := Run(context.Background(), Spec{
		Command:     []string{"/bin/sh", "-c", `trap "" TERM; sleep 60 & wait`},
		RunDir:      runDir(t),
		Attempt:     1,
		HardTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, errcode.Timeout, res.FailureReason)
	assert.NotZero(t, res.ExitCode)
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestStickyProcessLifecycle(t *testing.T) {
	p, err := Start(context.Background(), Spec{
		Command: []string{"/bin/sh", "-c", "read line; echo got $line"},
		RunDir:  runDir(t),
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.True(t, p.Alive())

	require.NoError(t, p.WriteInput([]byte("hello\n")))
	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "got hello")
	assert.False(t, p.Alive())

	// Wait is idempotent.
	again, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.ExitCode, again.ExitCode)
}

func TestKillIsIdempotent(t *testing.T) {
	p, err := Start(context.Background(), Spec{
		Command: []string{"/bin/sh", "-c", "sleep 60"},
		RunDir:  runDir(t),
		Attempt: 1,
	})
	require.NoError(t, err)
	p.Kill()
	p.Kill()
	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, res.ExitCode)
}

func TestAuditLogsAppendAcrossAttempts(t *testing.T) {
	dir := runDir(t)
	for attempt := 1; attempt <= 2; attempt++ {
		_, err := Run(context.Background(), Spec{
			Command: []string{"/bin/sh", "-c", "echo turn"},
			RunDir:  dir,
			Attempt: attempt,
		})
		require.NoError(t, err)
	}
	assert.FileExists(t, filepath.Join(dir, ".audit", "stdout.1.log"))
	assert.FileExists(t, filepath.Join(dir, ".audit", "stdout.2.log"))

	// The live log only holds the latest attempt.
	live, err := os.ReadFile(filepath.Join(dir, "logs", "stdout.txt"))
	require.NoError(t, err)
	assert.Equal(t, "turn\n", string(live))
}

func TestCapBufferTailKeepsEnd(t *testing.T) {
	b := newCapBuffer(8, true)
	_, _ = b.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "89abcdef", string(b.Bytes()))

	head := newCapBuffer(4, false)
	_, _ = head.Write([]byte("0123456789"))
	assert.Equal(t, "0123", string(head.Bytes()))
}
