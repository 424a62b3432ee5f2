package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/everydev1618/aifo/lock"
	"github.com/everydev1618/aifo/routing"
	"github.com/everydev1618/aifo/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const closeTimeout = 30 * time.Second

type sessionFlags struct {
	toolchains []string
	images     map[string]string
	workspace  string
	sessionID  string
	unix       bool
	noCache    bool
	noLock     bool
}

func newSessionCmd(a *app) *cobra.Command {
	var f sessionFlags
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start sidecars and a proxy, print the agent environment, and wait",
		Long: `Start one sidecar per --toolchain on a private network with an execution
proxy in front of them. The variables an agent needs are printed as shell
export lines. The session runs until interrupted and is then torn down.`,
		Example: `  aifo-toolexec session -t rust -t node@22 --image python=python:3.12-slim`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("unix") {
				a.cfg.UseUnixSocket = f.unix
			}
			if f.noCache {
				a.cfg.NoCache = true
			}
			return runSession(cmd, a, f)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (f *sessionFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&f.toolchains, "toolchain", "t", nil, "Toolchain to start, as kind or kind@version (repeatable)")
	fs.StringToStringVar(&f.images, "image", nil, "Image override per kind, as kind=image")
	fs.StringVar(&f.workspace, "workspace", "", "Host project directory mounted at /workspace (default: working directory)")
	fs.StringVar(&f.sessionID, "session-id", "", "Session id (default: random)")
	fs.BoolVar(&f.unix, "unix", false, "Listen on a Unix socket instead of loopback TCP")
	fs.BoolVar(&f.noCache, "no-cache", false, "Do not mount cache volumes")
	fs.BoolVar(&f.noLock, "no-lock", false, "Do not take the repository lock")
}

// buildPlan resolves toolchain specs and image overrides into a session plan.
func buildPlan(specs []string, images map[string]string, tag string) (session.Plan, error) {
	plan := session.Plan{Images: make(map[routing.Kind]string)}
	if len(specs) == 0 {
		return plan, errors.New("at least one --toolchain is required")
	}
	for _, spec := range specs {
		name, ver := routing.ParseSpec(spec)
		kind, ok := routing.NormalizeKind(name)
		if !ok {
			return plan, fmt.Errorf("unknown toolchain %q", name)
		}
		if slices.Contains(plan.Kinds, kind) {
			continue
		}
		plan.Kinds = append(plan.Kinds, kind)
		img := routing.DefaultImage(name)
		if ver != "" {
			img = routing.DefaultImageForVersion(name, ver)
		}
		plan.Images[kind] = routing.WithTag(img, tag)
	}
	for name, img := range images {
		kind, ok := routing.NormalizeKind(name)
		if !ok {
			return plan, fmt.Errorf("unknown toolchain %q in --image", name)
		}
		if !slices.Contains(plan.Kinds, kind) {
			return plan, fmt.Errorf("--image %s given without --toolchain %s", name, kind)
		}
		plan.Images[kind] = img
	}
	return plan, nil
}

func runSession(cmd *cobra.Command, a *app, f sessionFlags) error {
	plan, err := buildPlan(f.toolchains, f.images, a.cfg.ToolchainTag)
	if err != nil {
		return err
	}
	plan.ID = f.sessionID
	if plan.Workspace, err = workspaceDir(f.workspace); err != nil {
		return err
	}

	if !a.cfg.SkipLock && !f.noLock {
		l, err := lock.Acquire(a.locator.Candidates())
		if err != nil {
			return err
		}
		defer l.Release()
		slog.Debug("lock acquired", "path", l.Path())
	}

	mgr := a.newManager(plan.Workspace, a.cfg.NoCache)
	defer mgr.Close()
	st := a.store()
	defer closeStore(st)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []session.Option{session.WithLogger(slog.Default())}
	if st != nil {
		opts = append(opts, session.WithStore(st))
	}
	s, err := session.Start(ctx, mgr, a.cfg, plan, opts...)
	if err != nil {
		return err
	}
	if err := s.WriteEnv(cmd.OutOrStdout()); err != nil {
		slog.Warn("write environment", "error", err)
	}

	<-ctx.Done()
	slog.Info("shutting down", "session", s.ID)
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.Close(closeCtx)
}
