package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/everydev1618/aifo/container"
	"github.com/everydev1618/aifo/proxy"
	"github.com/everydev1618/aifo/routing"
)

// Executor runs a command inside a sidecar. *container.Manager implements it.
type Executor interface {
	Exec(ctx context.Context, spec container.ExecSpec, stdout, stderr io.Writer) (int, error)
}

// Runner dispatches proxy requests into the session's sidecars.
type Runner struct {
	Sidecars *container.Session
	Exec     Executor
	// Workspace is the host directory mounted at /workspace.
	Workspace string
	// Exists reports whether a host path exists. Defaults to os.Stat.
	Exists func(path string) bool
}

var _ proxy.Runner = (*Runner)(nil)

// Run implements proxy.Runner. Resolution failures are returned before any
// process is started.
func (r *Runner) Run(ctx context.Context, req *proxy.ExecRequest, stdout, stderr io.Writer) (int, error) {
	sc, err := r.SelectSidecar(req.Tool)
	if err != nil {
		return 0, err
	}
	workdir := r.ContainerDir(req.Cwd)
	cmd := r.Command(req.Tool, workdir, req.Args)
	slog.Debug("dispatch", "tool", req.Tool, "kind", sc.Kind, "container", sc.Name, "workdir", workdir)

	return r.Exec.Exec(ctx, container.ExecSpec{
		ContainerID: sc.ContainerID,
		ExecID:      req.ID,
		Cmd:         cmd,
		WorkDir:     workdir,
		Env:         req.Env,
	}, stdout, stderr)
}

// SelectSidecar returns the live sidecar that serves tool. Shared build tools
// go to the first live kind in preference order; every other tool has exactly
// one kind and fails when that sidecar is missing.
func (r *Runner) SelectSidecar(tool string) (*container.Sidecar, error) {
	if routing.IsDevTool(tool) {
		for _, kind := range routing.PreferredKinds(tool) {
			if !routing.AllowedForKind(kind, tool) {
				continue
			}
			if sc, err := r.Sidecars.Sidecar(kind); err == nil {
				return sc, nil
			}
		}
		return nil, fmt.Errorf("%w for %s", container.ErrNoSidecar, tool)
	}

	kind := routing.KindOf(tool)
	if !routing.AllowedForKind(kind, tool) {
		return nil, fmt.Errorf("tool %s is not allowed in the %s sidecar", tool, kind)
	}
	return r.Sidecars.Sidecar(kind)
}

// ContainerDir maps a request cwd to a directory inside the sidecar. Paths
// under the host workspace are translated; relative paths are taken from
// /workspace.
func (r *Runner) ContainerDir(cwd string) string {
	cwd = strings.TrimSpace(cwd)
	switch {
	case cwd == "" || cwd == ".":
		return container.WorkspaceDir
	case !path.IsAbs(cwd):
		return path.Join(container.WorkspaceDir, cwd)
	}
	if r.Workspace != "" {
		if rel, err := filepath.Rel(r.Workspace, cwd); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			return path.Join(container.WorkspaceDir, filepath.ToSlash(rel))
		}
	}
	return path.Clean(cwd)
}

// hostDir maps a sidecar directory back to the host, or "" when it is
// outside the workspace.
func (r *Runner) hostDir(dir string) string {
	if r.Workspace == "" {
		return ""
	}
	if dir == container.WorkspaceDir {
		return r.Workspace
	}
	rel, ok := strings.CutPrefix(dir, container.WorkspaceDir+"/")
	if !ok {
		return ""
	}
	return filepath.Join(r.Workspace, filepath.FromSlash(rel))
}

// Command builds the argv to run in the sidecar. tsc prefers the project's
// local compiler and falls back to npx.
func (r *Runner) Command(tool, workdir string, args []string) []string {
	if tool == "tsc" {
		if host := r.hostDir(workdir); host != "" && r.exists(filepath.Join(host, "node_modules", ".bin", "tsc")) {
			return append([]string{"./node_modules/.bin/tsc"}, args...)
		}
		return append([]string{"npx", "tsc"}, args...)
	}
	return append([]string{tool}, args...)
}

func (r *Runner) exists(p string) bool {
	if r.Exists != nil {
		return r.Exists(p)
	}
	_, err := os.Stat(p)
	return err == nil
}
