package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// Exec errors. Both mean no tool process ran.
var (
	ErrExecStart       = errors.New("exec start failed")
	ErrCommandNotFound = errors.New("command not found")
)

// ExecSpec describes one tool run inside a sidecar.
type ExecSpec struct {
	ContainerID string
	// ExecID names the run; it keys the pid file used to kill it on timeout.
	ExecID  string
	Cmd     []string
	WorkDir string
	Env     []string
}

// execWrapper records the pid of the tool and refuses to start a missing
// executable. The exec replaces the shell, so the recorded pid is the tool's.
const execWrapper = `d=/tmp/aifo-exec; mkdir -p "$d" 2>/dev/null && echo $$ > "$d/$AIFO_EXEC_ID.pid" 2>/dev/null
if ! command -v "$1" >/dev/null 2>&1; then printf 'aifo-exec: %s: command not found\n' "$1" >&2; exit 127; fi
exec "$@"`

// killScript sends TERM to the recorded process, its group and children, then
// KILL after the grace period.
const killScript = `f="/tmp/aifo-exec/$1.pid"; [ -f "$f" ] || exit 0; p=$(cat "$f")
kill -TERM -"$p" 2>/dev/null; pkill -TERM -P "$p" 2>/dev/null; kill -TERM "$p" 2>/dev/null
sleep "$2"
kill -KILL -"$p" 2>/dev/null; pkill -KILL -P "$p" 2>/dev/null; kill -KILL "$p" 2>/dev/null
rm -f "$f"`

func notFoundMarker(tool string) []byte {
	return []byte("aifo-exec: " + tool + ": command not found\n")
}

// Exec runs spec inside its sidecar, streaming demultiplexed output to stdout
// and stderr. A tool that runs and exits non-zero is reported through the
// exit code with a nil error. When ctx ends first the process is killed
// inside the container and ctx.Err() is returned.
func (m *Manager) Exec(ctx context.Context, spec ExecSpec, stdout, stderr io.Writer) (int, error) {
	if !m.available {
		return 0, ErrDockerUnavailable
	}
	if len(spec.Cmd) == 0 {
		return 0, fmt.Errorf("%w: empty command", ErrExecStart)
	}
	execID := spec.ExecID
	if execID == "" {
		execID = uuid.New().String()[:8]
	}
	workDir := spec.WorkDir
	if workDir == "" {
		workDir = WorkspaceDir
	}

	cmd := append([]string{"/bin/sh", "-c", execWrapper, "aifo-exec"}, spec.Cmd...)
	env := append(append([]string(nil), spec.Env...), "AIFO_EXEC_ID="+execID)

	id, err := m.engine.ExecCreate(ctx, spec.ContainerID, execOptions{Cmd: cmd, WorkDir: workDir, Env: env})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExecStart, err)
	}
	stream, err := m.engine.ExecAttach(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExecStart, err)
	}

	filter := &notFoundFilter{w: stderr, marker: notFoundMarker(spec.Cmd[0])}
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, filter, stream)
		done <- err
	}()

	select {
	case err = <-done:
		stream.Close()
	case <-ctx.Done():
		m.kill(spec.ContainerID, execID)
		stream.Close()
		<-done
		filter.finish(false)
		return 0, ctx.Err()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		filter.finish(false)
		return 0, fmt.Errorf("read exec output: %w", err)
	}

	code, err := m.engine.ExecExitCode(ctx, id)
	if err != nil {
		filter.finish(false)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("inspect exec: %w", err)
	}
	if code == 127 && filter.matched() {
		filter.finish(true)
		return code, fmt.Errorf("%w: %s", ErrCommandNotFound, spec.Cmd[0])
	}
	filter.finish(false)
	return code, nil
}

// kill terminates a timed out run. It uses its own context because the
// request context is already done.
func (m *Manager) kill(containerID, execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second+m.killGrace)
	defer cancel()

	grace := fmt.Sprintf("%.3f", m.killGrace.Seconds())
	id, err := m.engine.ExecCreate(ctx, containerID, execOptions{
		Cmd: []string{"/bin/sh", "-c", killScript, "aifo-kill", execID, grace},
	})
	if err != nil {
		slog.Warn("kill exec create failed", "exec", execID, "error", err)
		return
	}
	stream, err := m.engine.ExecAttach(ctx, id)
	if err != nil {
		slog.Warn("kill exec attach failed", "exec", execID, "error", err)
		return
	}
	defer stream.Close()
	_, _ = io.Copy(io.Discard, stream)
}

// notFoundFilter holds back the start of stderr until it can tell whether it
// is the wrapper's command-not-found marker. Anything else passes through.
type notFoundFilter struct {
	w      io.Writer
	marker []byte
	buf    []byte
	state  int
}

const (
	filterSniffing = iota
	filterPassthrough
	filterMatched
)

func (f *notFoundFilter) Write(p []byte) (int, error) {
	switch f.state {
	case filterPassthrough:
		return f.w.Write(p)
	case filterMatched:
		f.buf = append(f.buf, p...)
		return len(p), nil
	}

	f.buf = append(f.buf, p...)
	n := min(len(f.buf), len(f.marker))
	if !bytes.Equal(f.buf[:n], f.marker[:n]) {
		f.state = filterPassthrough
		held := f.buf
		f.buf = nil
		if _, err := f.w.Write(held); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if len(f.buf) >= len(f.marker) {
		f.state = filterMatched
	}
	return len(p), nil
}

func (f *notFoundFilter) matched() bool { return f.state == filterMatched }

// finish releases anything still held unless it is to be dropped.
func (f *notFoundFilter) finish(drop bool) {
	if !drop && len(f.buf) > 0 {
		_, _ = f.w.Write(f.buf)
	}
	f.buf = nil
	f.state = filterPassthrough
}
