package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/everydev1618/aifo/config"
	"github.com/everydev1618/aifo/container"
	"github.com/everydev1618/aifo/internal/sessionstore"
	"github.com/everydev1618/aifo/lock"
	"github.com/everydev1618/aifo/session"
	"github.com/spf13/cobra"
)

// containerManager is what the commands need from *container.Manager.
type containerManager interface {
	session.Manager
	ListSessions(ctx context.Context) ([]string, error)
	PurgeCaches(ctx context.Context) error
	Close() error
}

// app carries the collaborators shared by every command.
type app struct {
	cfg        *config.Config
	locator    lock.Locator
	newManager func(workspace string, noCache bool) containerManager
	openStore  func(path string) (sessionstore.Store, error)
}

func newApp() *app {
	a := &app{
		locator:   lock.DefaultLocator(),
		openStore: openSQLiteStore,
	}
	a.newManager = func(workspace string, noCache bool) containerManager {
		return container.NewManager(managerOptions(a.cfg, workspace, noCache)...)
	}
	return a
}

// managerOptions maps the resolved configuration onto sidecar settings.
func managerOptions(cfg *config.Config, workspace string, noCache bool) []container.ManagerOption {
	opts := []container.ManagerOption{
		container.WithWorkspace(workspace),
		container.WithNoCache(noCache),
	}
	if cfg != nil {
		opts = append(opts,
			container.WithSccache(cfg.RustSccache),
			container.WithSccacheDir(cfg.RustSccacheDir),
		)
	}
	return opts
}

func openSQLiteStore(path string) (sessionstore.Store, error) {
	st, err := sessionstore.Open(path)
	if err != nil {
		return nil, err
	}
	if err := st.Init(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// load resolves the configuration once and sets up logging.
func (a *app) load(cmd *cobra.Command) error {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || a.cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	return nil
}

// store opens the session registry. A registry that cannot be opened is
// logged and treated as absent.
func (a *app) store() sessionstore.Store {
	if a.cfg.RegistryPath == "" {
		return nil
	}
	st, err := a.openStore(a.cfg.RegistryPath)
	if err != nil {
		slog.Warn("session registry unavailable", "path", a.cfg.RegistryPath, "error", err)
		return nil
	}
	return st
}

func closeStore(st sessionstore.Store) {
	if st != nil {
		st.Close()
	}
}

func workspaceDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return wd, nil
}
