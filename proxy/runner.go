package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExecRequest is one parsed /exec call. It is never persisted.
type ExecRequest struct {
	ID   string
	Tool string
	Cwd  string
	Args []string
	// Env holds extra variables for the tool, such as TRACEPARENT.
	Env []string
}

// Runner executes a routed tool invocation.
//
// Run returns a nil error when the tool ran, whatever its exit code. When ctx
// ends first the process must be terminated before Run returns, and the
// error is ctx.Err(). Any other error means no tool process ran.
type Runner interface {
	Run(ctx context.Context, req *ExecRequest, stdout, stderr io.Writer) (int, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req *ExecRequest, stdout, stderr io.Writer) (int, error)

func (f RunnerFunc) Run(ctx context.Context, req *ExecRequest, stdout, stderr io.Writer) (int, error) {
	return f(ctx, req, stdout, stderr)
}

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Tool string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Tool, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// DefaultKillGrace is the delay between TERM and KILL for a timed out process.
const DefaultKillGrace = 250 * time.Millisecond

// HostRunner spawns processes directly on the host. The proxy uses it for
// notifications; it also serves /exec when no sidecars are involved.
type HostRunner struct {
	// Grace is the delay between TERM and KILL. Zero means DefaultKillGrace.
	Grace time.Duration
	// BaseEnv replaces the inherited environment when non-nil.
	BaseEnv []string
}

// Run implements Runner by executing req.Tool with req.Args in req.Cwd.
func (h HostRunner) Run(ctx context.Context, req *ExecRequest, stdout, stderr io.Writer) (int, error) {
	argv := append([]string{req.Tool}, req.Args...)
	return h.RunArgv(ctx, argv, req.Cwd, req.Env, stdout, stderr)
}

// RunArgv starts argv in its own process group. On ctx expiry the whole group
// gets TERM, then KILL after the grace period.
func (h HostRunner) RunArgv(ctx context.Context, argv []string, dir string, env []string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 || argv[0] == "" {
		return 0, &SpawnError{Err: errors.New("empty command")}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	base := h.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append([]string(nil), base...), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, &SpawnError{Tool: argv[0], Err: err}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		return exitCode(err)
	case <-ctx.Done():
	}

	grace := h.Grace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)
	select {
	case <-waitErr:
		// Stragglers in the group that ignored TERM.
		_ = unix.Kill(-pgid, unix.SIGKILL)
	case <-time.After(grace):
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-waitErr
	}
	return 0, ctx.Err()
}

// exitCode converts a Wait error to a shell-style exit status.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return 0, err
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return ee.ExitCode(), nil
}
