package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
)

// PTYRuntime runs a long-lived shell behind a pseudo-terminal. stdout
// and stderr arrive merged on the pty, so results carry the combined
// output in Stdout and the exit code is recovered from the same marker
// protocol the pipe runtime uses. Echo is disabled via stty so the
// command text does not pollute the output.
type PTYRuntime struct {
	st        *store.Store
	shellPath string

	mu       sync.Mutex // serializes all pty I/O
	term     store.Terminal
	cmd      *exec.Cmd
	ptmx     *os.File
	reader   *bufio.Reader
	hydrated bool
	corrupt  bool
	closed   bool
}

// NewPTYRuntime creates a pty-backed runtime for the terminal. The
// shell is spawned lazily on first Execute.
func NewPTYRuntime(st *store.Store, term store.Terminal, shellPath string) *PTYRuntime {
	if shellPath == "" {
		shellPath = "/bin/sh"
	}
	return &PTYRuntime{st: st, shellPath: shellPath, term: term}
}

// TerminalID implements Runtime.
func (r *PTYRuntime) TerminalID() string { return r.term.TerminalID }

// Execute implements Runtime.
func (r *PTYRuntime) Execute(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return provider.ExecResult{}, fmt.Errorf("runtime is closed")
	}
	if r.corrupt {
		r.teardownLocked()
	}
	if r.cmd == nil {
		if err := r.spawnLocked(); err != nil {
			return provider.ExecResult{}, err
		}
	}
	if !r.hydrated {
		if err := r.hydrateLocked(); err != nil {
			r.teardownLocked()
			return provider.ExecResult{}, fmt.Errorf("hydrate pty shell: %w", err)
		}
		r.hydrated = true
	}

	res, err := r.runLocked(ctx, command, timeout)
	if err != nil {
		return res, err
	}
	if res.TimedOut {
		return res, nil
	}

	r.probeCwdLocked(ctx)
	return res, nil
}

// Close implements Runtime. The shell gets a bounded grace period to
// exit after the pty closes, then is force-killed.
func (r *PTYRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.cmd == nil {
		return nil
	}
	_ = r.ptmx.Close()

	done := make(chan struct{})
	go func() {
		_ = r.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = r.cmd.Process.Kill()
		<-done
	}
	r.cmd = nil
	return nil
}

func (r *PTYRuntime) spawnLocked() error {
	cmd := exec.Command(r.shellPath)
	cmd.Dir = r.term.Cwd

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 200})
	if err != nil {
		return fmt.Errorf("start pty shell: %w", err)
	}

	r.cmd = cmd
	r.ptmx = ptmx
	r.reader = bufio.NewReader(ptmx)
	r.corrupt = false

	slog.Debug("pty runtime started",
		"terminal_id", r.term.TerminalID,
		"shell", r.shellPath,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// hydrateLocked disables echo, then replays the durable snapshot: a cd
// to the persisted cwd plus one export per env delta. A marker round
// trip flushes any startup banner the shell printed.
func (r *PTYRuntime) hydrateLocked() error {
	var b strings.Builder
	b.WriteString("stty -echo\n")
	fmt.Fprintf(&b, "cd %s\n", shellQuote(r.term.Cwd))
	for k, v := range r.term.EnvDelta {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(v))
	}
	marker := newMarker()
	fmt.Fprintf(&b, "echo \"%s 0\"\n", marker)
	if _, err := io.WriteString(r.ptmx, b.String()); err != nil {
		return err
	}
	_, _, err := readUntilMarker(r.reader, marker, false)
	return err
}

func (r *PTYRuntime) teardownLocked() {
	if r.cmd == nil {
		return
	}
	_ = r.ptmx.Close()
	_ = r.cmd.Process.Kill()
	_ = r.cmd.Wait()
	r.cmd = nil
	r.hydrated = false
	r.corrupt = false
}

// runLocked writes the command plus a marker line and reads the merged
// pty stream until the marker arrives.
func (r *PTYRuntime) runLocked(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	marker := newMarker()
	script := fmt.Sprintf("%s\necho \"%s $?\"\n", command, marker)
	if _, err := io.WriteString(r.ptmx, script); err != nil {
		r.corrupt = true
		return provider.ExecResult{}, fmt.Errorf("write command: %w", err)
	}

	type streamResult struct {
		out      string
		exitCode int
		err      error
	}
	ch := make(chan streamResult, 1)
	go func() {
		out, ec, err := readUntilMarker(r.reader, marker, true)
		ch <- streamResult{out: out, exitCode: ec, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case sr := <-ch:
		if sr.err != nil {
			r.corrupt = true
			return provider.ExecResult{}, fmt.Errorf("read pty: %w", sr.err)
		}
		return provider.ExecResult{Stdout: sr.out, ExitCode: sr.exitCode}, nil
	case <-timer:
		r.corrupt = true
		return provider.ExecResult{TimedOut: true, ExitCode: -1}, nil
	case <-ctx.Done():
		r.corrupt = true
		return provider.ExecResult{}, ctx.Err()
	}
}

// probeCwdLocked issues a pwd and persists a new terminal snapshot if
// the working directory changed.
func (r *PTYRuntime) probeCwdLocked(ctx context.Context) {
	marker := newMarker()
	script := fmt.Sprintf("pwd\necho \"%s 0\"\n", marker)
	if _, err := io.WriteString(r.ptmx, script); err != nil {
		r.corrupt = true
		return
	}
	out, _, err := readUntilMarker(r.reader, marker, true)
	if err != nil {
		r.corrupt = true
		return
	}

	// The pty may interleave CRs; take the last non-empty line.
	cwd := lastLine(out)
	if cwd == "" || cwd == r.term.Cwd {
		return
	}
	newVersion, err := r.st.UpdateTerminalState(ctx, r.term.TerminalID, cwd, r.term.EnvDelta, r.term.StateVersion)
	if err != nil {
		slog.Warn("persist terminal cwd", "terminal_id", r.term.TerminalID, "error", err)
		return
	}
	r.term.Cwd = cwd
	r.term.StateVersion = newVersion
}

func lastLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r", ""), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
