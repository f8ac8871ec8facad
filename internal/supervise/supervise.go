// Package supervise runs engine CLIs as killable process trees: every child
// is a process-group leader so a timeout or cancel can take down grandchildren
// that ignore termination.
package supervise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/floegence/skillrunner/internal/errcode"
)

const (
	// killGrace is how long a terminated group gets before SIGKILL.
	killGrace = 2500 * time.Millisecond

	// stdoutCaptureMax caps the in-memory stdout copy handed to parsers.
	stdoutCaptureMax = 16 << 20
	// stderrTailMax caps the stderr tail surfaced in error envelopes.
	stderrTailMax = 64 << 10
)

// authMarkers are stderr substrings that classify a failure as AUTH_REQUIRED.
var authMarkers = []string{
	"SERVER_OAUTH2_REQUIRED",
	"oauth2 login required",
	"please run /login",
}

// Spec describes one supervised invocation.
type Spec struct {
	// Command is the full argv; Command[0] is resolved via PATH.
	Command []string
	Dir     string
	Env     []string
	Stdin   io.Reader

	// RunDir receives logs/stdout.txt, logs/stderr.txt (truncated per run)
	// and .audit/{stdout,stderr}.<attempt>.log (one file per attempt).
	RunDir  string
	Attempt int

	// HardTimeout bounds wall-clock time; zero means no limit.
	HardTimeout time.Duration

	Logger *slog.Logger
}

// Result is the outcome of a finished invocation.
type Result struct {
	ExitCode int
	TimedOut bool
	// FailureReason is empty on success, else TIMEOUT, AUTH_REQUIRED or
	// EXIT_NONZERO.
	FailureReason string
	// Stdout is the captured stdout (capped), for stream parsing.
	Stdout []byte
	// StderrTail is the trailing stderr capture.
	StderrTail string
	Elapsed    time.Duration
}

// Err converts a failed result into a wire error; nil on success.
func (r *Result) Err() *errcode.Error {
	if r == nil || r.FailureReason == "" {
		return nil
	}
	e := errcode.New(r.FailureReason, "engine process failed with exit code %d", r.ExitCode)
	e.Stderr = r.StderrTail
	return e
}

// Process is a running supervised child. Sticky-profile engines hold one
// across a waiting_user park.
type Process struct {
	spec   Spec
	logger *slog.Logger

	cmd  *exec.Cmd
	pgid int

	stdin io.WriteCloser

	stdoutBuf *capBuffer
	stderrBuf *capBuffer
	files     []*os.File

	started time.Time

	killOnce sync.Once

	mu       sync.Mutex
	timedOut bool
	waited   bool
	result   *Result
}

// Run starts the command and waits for it to finish.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	p, err := Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Start launches the child in a fresh process group with its streams wired
// to the run's log files and capture buffers.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "supervise", "attempt", spec.Attempt)

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{
		spec:      spec,
		logger:    logger,
		cmd:       cmd,
		stdoutBuf: newCapBuffer(stdoutCaptureMax, false),
		stderrBuf: newCapBuffer(stderrTailMax, true),
		started:   time.Now(),
	}

	stdoutSinks, stderrSinks, err := p.openSinks()
	if err != nil {
		return nil, err
	}

	// exec copies the pipes into these writers itself and Wait blocks until
	// both copies hit EOF, so captured output is complete once Wait returns.
	// WaitDelay bounds that drain when a straggler keeps a pipe open past
	// the child's exit.
	cmd.Stdout = io.MultiWriter(append(stdoutSinks, p.stdoutBuf)...)
	cmd.Stderr = io.MultiWriter(append(stderrSinks, p.stderrBuf)...)
	cmd.WaitDelay = killGrace

	if spec.Stdin != nil {
		cmd.Stdin = spec.Stdin
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			p.closeFiles()
			return nil, err
		}
		p.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		p.closeFiles()
		return nil, fmt.Errorf("start %s: %w", spec.Command[0], err)
	}
	p.pgid = cmd.Process.Pid
	logger.Info("engine process started", "pid", cmd.Process.Pid, "cli", spec.Command[0])

	if spec.HardTimeout > 0 {
		go p.watchTimeout(ctx, spec.HardTimeout)
	} else if ctx != nil {
		go func() {
			<-ctx.Done()
			p.Kill()
		}()
	}
	return p, nil
}

// StdoutSnapshot copies the stdout captured so far; sticky-profile engines
// are parsed incrementally from these snapshots while the child stays alive.
func (p *Process) StdoutSnapshot() []byte {
	if p == nil || p.stdoutBuf == nil {
		return nil
	}
	return p.stdoutBuf.Bytes()
}

// WriteInput forwards bytes to the child's stdin (sticky interactions).
func (p *Process) WriteInput(b []byte) error {
	if p == nil || p.stdin == nil {
		return errors.New("stdin not available")
	}
	_, err := p.stdin.Write(b)
	return err
}

// Alive reports whether the child has not yet been reaped.
func (p *Process) Alive() bool {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waited {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return unix.Kill(p.cmd.Process.Pid, 0) == nil
}

// Kill terminates the whole process group: graceful signal, short grace,
// forced kill, then a straggler sweep over the remembered tree.
func (p *Process) Kill() {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.killOnce.Do(func() {
		descendants := p.descendants()
		_ = unix.Kill(-p.pgid, unix.SIGTERM)

		deadline := time.After(killGrace)
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline:
				_ = unix.Kill(-p.pgid, unix.SIGKILL)
				p.sweep(descendants)
				return
			case <-tick.C:
				if unix.Kill(-p.pgid, 0) != nil {
					p.sweep(descendants)
					return
				}
			}
		}
	})
}

// descendants snapshots the child's process tree so grandchildren that
// escape the group (double-fork) can still be swept after the kill.
func (p *Process) descendants() []int32 {
	proc, err := process.NewProcess(int32(p.cmd.Process.Pid))
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	out := make([]int32, 0, len(children))
	for _, c := range children {
		out = append(out, c.Pid)
		if grand, err := c.Children(); err == nil {
			for _, g := range grand {
				out = append(out, g.Pid)
			}
		}
	}
	return out
}

func (p *Process) sweep(pids []int32) {
	for _, pid := range pids {
		if exists, _ := process.PidExists(pid); exists {
			p.logger.Warn("killing straggler process", "pid", pid)
			_ = unix.Kill(int(pid), unix.SIGKILL)
		}
	}
}

func (p *Process) watchTimeout(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var done chan struct{}
	if ctx != nil {
		done = make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.Kill()
			case <-done:
			}
		}()
		defer close(done)
	}
	select {
	case <-timer.C:
		p.mu.Lock()
		p.timedOut = true
		p.mu.Unlock()
		p.logger.Warn("hard timeout reached, terminating process group", "timeout", timeout)
		p.Kill()
	case <-p.waitDone():
	}
}

func (p *Process) waitDone() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for p.Alive() {
			time.Sleep(200 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

// Wait reaps the child and classifies the outcome.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	if p == nil || p.cmd == nil {
		return nil, errors.New("process not started")
	}
	p.mu.Lock()
	if p.result != nil {
		res := p.result
		p.mu.Unlock()
		return res, nil
	}
	p.mu.Unlock()

	waitErr := p.cmd.Wait()
	p.closeFiles()
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.waited = true

	res := &Result{
		Stdout:     p.stdoutBuf.Bytes(),
		StderrTail: string(p.stderrBuf.Bytes()),
		Elapsed:    time.Since(p.started),
		TimedOut:   p.timedOut,
	}
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Child exited but a straggler held a pipe past WaitDelay; the real
		// exit status is still on ProcessState.
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	if res.ExitCode < 0 {
		// Killed by signal; surface a stable synthetic code.
		res.ExitCode = 124
	}

	switch {
	case res.TimedOut:
		res.FailureReason = errcode.Timeout
	case hasAuthMarker(res.StderrTail):
		res.FailureReason = errcode.AuthRequired
	case res.ExitCode != 0:
		res.FailureReason = errcode.ExitNonzero
	}

	p.logger.Info("engine process finished",
		"exit_code", res.ExitCode, "elapsed", res.Elapsed, "failure_reason", res.FailureReason)
	p.result = res
	return res, nil
}

func hasAuthMarker(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range authMarkers {
		if strings.Contains(stderr, m) || strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// openSinks prepares the live log files (truncated each attempt restart of
// the run) and the per-attempt audit copies (one file per attempt).
func (p *Process) openSinks() (stdout, stderr []io.Writer, err error) {
	if strings.TrimSpace(p.spec.RunDir) == "" {
		return nil, nil, nil
	}
	logsDir := filepath.Join(p.spec.RunDir, "logs")
	auditDir := filepath.Join(p.spec.RunDir, ".audit")
	for _, d := range []string{logsDir, auditDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, nil, err
		}
	}

	open := func(path string, truncate bool) (*os.File, error) {
		flags := os.O_CREATE | os.O_WRONLY
		if truncate {
			flags |= os.O_TRUNC
		} else {
			flags |= os.O_APPEND
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return nil, err
		}
		p.files = append(p.files, f)
		return f, nil
	}

	liveOut, err := open(filepath.Join(logsDir, "stdout.txt"), true)
	if err != nil {
		return nil, nil, err
	}
	liveErr, err := open(filepath.Join(logsDir, "stderr.txt"), true)
	if err != nil {
		p.closeFiles()
		return nil, nil, err
	}
	auditOut, err := open(filepath.Join(auditDir, fmt.Sprintf("stdout.%d.log", p.spec.Attempt)), false)
	if err != nil {
		p.closeFiles()
		return nil, nil, err
	}
	auditErr, err := open(filepath.Join(auditDir, fmt.Sprintf("stderr.%d.log", p.spec.Attempt)), false)
	if err != nil {
		p.closeFiles()
		return nil, nil, err
	}
	return []io.Writer{liveOut, auditOut}, []io.Writer{liveErr, auditErr}, nil
}

func (p *Process) closeFiles() {
	for _, f := range p.files {
		_ = f.Close()
	}
	p.files = nil
}

// capBuffer keeps either the head (parsers) or the tail (stderr diagnostics)
// of a stream, bounded.
type capBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	max  int
	tail bool
}

func newCapBuffer(max int, tail bool) *capBuffer {
	return &capBuffer{max: max, tail: tail}
}

func (c *capBuffer) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tail {
		c.buf.Write(b)
		if c.buf.Len() > c.max {
			trimmed := c.buf.Bytes()[c.buf.Len()-c.max:]
			var next bytes.Buffer
			next.Write(trimmed)
			c.buf = next
		}
		return len(b), nil
	}
	if c.buf.Len() < c.max {
		room := c.max - c.buf.Len()
		if len(b) > room {
			c.buf.Write(b[:room])
		} else {
			c.buf.Write(b)
		}
	}
	return len(b), nil
}

func (c *capBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out
}
