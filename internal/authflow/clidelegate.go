package authflow

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var (
	authURLRe  = regexp.MustCompile(`https://[^\s"']+`)
	userCodeRe = regexp.MustCompile(`\b[A-Z0-9]{4,8}-[A-Z0-9]{4,8}\b`)
)

// DelegateProcess is an engine login CLI running under a pseudo-TTY. The
// manager scrapes its output for the auth URL / user code and forwards pasted
// input to its stdin.
type DelegateProcess struct {
	cmd *exec.Cmd
	tty *os.File

	mu   sync.Mutex
	buf  bytes.Buffer
	err  error
	done chan struct{}
}

// StartDelegate spawns command under a PTY rooted at dir.
func StartDelegate(command []string, dir string, env []string) (*DelegateProcess, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty delegate command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn %s under pty: %w", command[0], err)
	}
	p := &DelegateProcess{cmd: cmd, tty: tty, done: make(chan struct{})}

	go func() {
		chunk := make([]byte, 4096)
		for {
			n, rerr := tty.Read(chunk)
			if n > 0 {
				p.mu.Lock()
				p.buf.Write(chunk[:n])
				p.mu.Unlock()
			}
			if rerr != nil {
				break
			}
		}
		werr := cmd.Wait()
		p.mu.Lock()
		p.err = werr
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Output snapshots everything the child has printed so far.
func (p *DelegateProcess) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

// WriteInput forwards a line to the child's terminal.
func (p *DelegateProcess) WriteInput(s string) error {
	_, err := p.tty.WriteString(s + "\r")
	return err
}

// Done is closed when the child exits.
func (p *DelegateProcess) Done() <-chan struct{} { return p.done }

// ExitErr returns the child's wait error after Done.
func (p *DelegateProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Alive reports whether the child is still running.
func (p *DelegateProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stop terminates the child, escalating after a short grace.
func (p *DelegateProcess) Stop() {
	if !p.Alive() {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
	}
	_ = p.tty.Close()
}

// ScrapeAuthHints extracts the first auth URL and user code from CLI output.
func ScrapeAuthHints(output string) (authURL, userCode string) {
	authURL = authURLRe.FindString(output)
	userCode = userCodeRe.FindString(output)
	return authURL, userCode
}

// EnsureTrustMarker initializes the engine's trust marker dir in parentDir
// (codex and gemini refuse headless operation without one).
func EnsureTrustMarker(parentDir, engine string) error {
	var marker string
	switch engine {
	case "codex":
		marker = ".codex"
	case "gemini":
		marker = ".gemini"
	default:
		return nil
	}
	dir := filepath.Join(parentDir, marker)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(dir, "trusted.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte("{}\n"), 0o600)
}
