package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandmux/sandmux/internal/provider"
	"github.com/sandmux/sandmux/internal/store"
)

// LocalShellRuntime owns a long-lived child shell with pipe stdio.
// Commands are terminated by a unique end-marker line that echoes $?,
// so the exit code can be parsed without tearing the shell down.
type LocalShellRuntime struct {
	st        *store.Store
	shellPath string

	mu       sync.Mutex // serializes all shell I/O
	term     store.Terminal
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *bufio.Reader
	stderr   *bufio.Reader
	hydrated bool
	corrupt  bool
	closed   bool
}

// NewLocalShellRuntime creates a runtime for the terminal. The shell
// process is spawned lazily on first Execute.
func NewLocalShellRuntime(st *store.Store, term store.Terminal, shellPath string) *LocalShellRuntime {
	if shellPath == "" {
		shellPath = "/bin/sh"
	}
	return &LocalShellRuntime{st: st, shellPath: shellPath, term: term}
}

// TerminalID implements Runtime.
func (r *LocalShellRuntime) TerminalID() string { return r.term.TerminalID }

// Execute implements Runtime.
func (r *LocalShellRuntime) Execute(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return provider.ExecResult{}, fmt.Errorf("runtime is closed")
	}
	if r.corrupt {
		// A timed-out command leaves the shell in an unknown state;
		// respawn before running anything else.
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
			return provider.ExecResult{}, fmt.Errorf("hydrate shell: %w", err)
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

	// Probe cwd; persist a new snapshot if the command moved us.
	r.probeCwdLocked(ctx)
	return res, nil
}

// Close implements Runtime. The shell gets a bounded grace period to
// exit after stdin EOF, then is force-killed.
func (r *LocalShellRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.cmd == nil {
		return nil
	}
	_ = r.stdin.Close()

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

func (r *LocalShellRuntime) spawnLocked() error {
	cmd := exec.Command(r.shellPath)
	cmd.Dir = r.term.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.stdout = bufio.NewReader(stdout)
	r.stderr = bufio.NewReader(stderr)
	r.corrupt = false

	slog.Debug("shell runtime started",
		"terminal_id", r.term.TerminalID,
		"shell", r.shellPath,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// hydrateLocked replays the durable snapshot into the fresh shell:
// a cd to the persisted cwd followed by one export per env delta.
func (r *LocalShellRuntime) hydrateLocked() error {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s\n", shellQuote(r.term.Cwd))
	for k, v := range r.term.EnvDelta {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(v))
	}
	_, err := io.WriteString(r.stdin, b.String())
	return err
}

func (r *LocalShellRuntime) teardownLocked() {
	if r.cmd == nil {
		return
	}
	_ = r.stdin.Close()
	_ = r.cmd.Process.Kill()
	_ = r.cmd.Wait()
	r.cmd = nil
	r.hydrated = false
	r.corrupt = false
}

// runLocked writes the command plus marker lines and reads both
// streams until their markers arrive.
func (r *LocalShellRuntime) runLocked(ctx context.Context, command string, timeout time.Duration) (provider.ExecResult, error) {
	marker := newMarker()
	script := fmt.Sprintf("%s\n__sm_ec=$?; echo \"%s $__sm_ec\"; echo \"%s\" >&2\n",
		command, marker, marker)
	if _, err := io.WriteString(r.stdin, script); err != nil {
		r.corrupt = true
		return provider.ExecResult{}, fmt.Errorf("write command: %w", err)
	}

	type streamResult struct {
		out      string
		exitCode int
		err      error
	}
	outCh := make(chan streamResult, 1)
	errCh := make(chan streamResult, 1)

	go func() {
		out, ec, err := readUntilMarker(r.stdout, marker, true)
		outCh <- streamResult{out: out, exitCode: ec, err: err}
	}()
	go func() {
		out, _, err := readUntilMarker(r.stderr, marker, false)
		errCh <- streamResult{out: out, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var res provider.ExecResult
	var stdoutDone, stderrDone bool
	for !stdoutDone || !stderrDone {
		select {
		case sr := <-outCh:
			if sr.err != nil {
				r.corrupt = true
				return provider.ExecResult{}, fmt.Errorf("read stdout: %w", sr.err)
			}
			res.Stdout = sr.out
			res.ExitCode = sr.exitCode
			stdoutDone = true
		case sr := <-errCh:
			if sr.err != nil {
				r.corrupt = true
				return provider.ExecResult{}, fmt.Errorf("read stderr: %w", sr.err)
			}
			res.Stderr = sr.out
			stderrDone = true
		case <-timer:
			r.corrupt = true
			return provider.ExecResult{TimedOut: true, ExitCode: -1}, nil
		case <-ctx.Done():
			r.corrupt = true
			return provider.ExecResult{}, ctx.Err()
		}
	}
	return res, nil
}

// probeCwdLocked issues a pwd and persists a new terminal snapshot if
// the working directory changed.
func (r *LocalShellRuntime) probeCwdLocked(ctx context.Context) {
	marker := newMarker()
	script := fmt.Sprintf("pwd\necho \"%s 0\"; echo \"%s\" >&2\n", marker, marker)
	if _, err := io.WriteString(r.stdin, script); err != nil {
		r.corrupt = true
		return
	}
	out, _, err := readUntilMarker(r.stdout, marker, true)
	if err != nil {
		r.corrupt = true
		return
	}
	// Drain the stderr marker.
	if _, _, err := readUntilMarker(r.stderr, marker, false); err != nil {
		r.corrupt = true
		return
	}

	cwd := strings.TrimSpace(out)
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

// readUntilMarker accumulates lines until the marker line. When
// parseExit is true the marker line is expected to carry the exit
// code after a space.
func readUntilMarker(rd *bufio.Reader, marker string, parseExit bool) (string, int, error) {
	var b strings.Builder
	for {
		line, err := rd.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, marker) {
			exitCode := 0
			if parseExit {
				rest := strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
				if ec, perr := strconv.Atoi(rest); perr == nil {
					exitCode = ec
				}
			}
			return b.String(), exitCode, nil
		}
		b.WriteString(line)
		if err != nil {
			return b.String(), 0, err
		}
	}
}

func newMarker() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = chars[rand.IntN(len(chars))]
	}
	return "__SANDMUX_DONE_" + string(b) + "__"
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
