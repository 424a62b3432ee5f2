// Package session starts and tears down one toolchain session: the sidecar
// containers, the execution proxy in front of them and the registry entry
// that lets other processes find it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/everydev1618/aifo/config"
	"github.com/everydev1618/aifo/container"
	"github.com/everydev1618/aifo/internal/sessionstore"
	"github.com/everydev1618/aifo/notify"
	"github.com/everydev1618/aifo/proxy"
	"github.com/everydev1618/aifo/routing"
	"github.com/google/uuid"
)

// SocketName is the proxy socket file inside a session's socket dir.
const SocketName = "toolexec.sock"

// Manager is the container side of a session. *container.Manager
// implements it.
type Manager interface {
	Executor
	StartSession(ctx context.Context, spec container.SessionSpec) (*container.Session, error)
	CleanupSession(ctx context.Context, sid string) error
}

// Plan describes the session to start.
type Plan struct {
	// ID defaults to Config.SessionID, then to a random short id.
	ID     string
	Kinds  []routing.Kind
	Images map[routing.Kind]string
	// Workspace is the host project directory mounted at /workspace.
	Workspace string
}

// Option configures Start.
type Option func(*Session)

// WithStore records the session in a registry.
func WithStore(st sessionstore.Store) Option {
	return func(s *Session) { s.store = st }
}

// WithLogger sets the logger used by the session and its proxy.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is a running toolchain session owned by this process.
type Session struct {
	ID string

	cfg       *config.Config
	mgr       Manager
	sidecars  *container.Session
	proxy     *proxy.Server
	store     sessionstore.Store
	log       *slog.Logger
	socketDir string

	closeOnce sync.Once
	closeErr  error
}

// ValidID reports whether sid is safe to embed in container and file names.
func ValidID(sid string) bool {
	if sid == "" || len(sid) > 64 {
		return false
	}
	for _, r := range sid {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// NewID returns a random short session id.
func NewID() string {
	return uuid.New().String()[:8]
}

// Start brings up the sidecars for plan and a proxy in front of them.
// Sidecars that fail to start do not fail the session; requests routed to
// them are rejected at dispatch.
func Start(ctx context.Context, mgr Manager, cfg *config.Config, plan Plan, opts ...Option) (*Session, error) {
	s := &Session{cfg: cfg, mgr: mgr, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.ID = plan.ID
	if s.ID == "" {
		s.ID = cfg.SessionID
	}
	if s.ID == "" {
		s.ID = NewID()
	}
	if !ValidID(s.ID) {
		return nil, fmt.Errorf("invalid session id %q", s.ID)
	}

	sidecars, err := mgr.StartSession(ctx, container.SessionSpec{ID: s.ID, Kinds: plan.Kinds, Images: plan.Images})
	if err != nil {
		return nil, fmt.Errorf("start sidecars: %w", err)
	}
	s.sidecars = sidecars
	for kind, ferr := range sidecars.Failed() {
		s.log.Warn("toolchain unavailable", "session", s.ID, "kind", kind, "error", ferr)
	}

	pcfg := proxy.Config{
		SessionID:     s.ID,
		Timeout:       cfg.ProxyTimeout,
		BindHost:      cfg.BindHost,
		AdvertiseHost: cfg.AdvertiseHost,
	}
	if cfg.UseUnixSocket {
		s.socketDir = SocketDir(cfg.SocketRoot, s.ID)
		pcfg.SocketPath = filepath.Join(s.socketDir, SocketName)
	}

	runner := &Runner{Sidecars: sidecars, Exec: mgr, Workspace: plan.Workspace}
	srv, err := proxy.New(pcfg, runner,
		proxy.WithLogger(s.log),
		proxy.WithNotifier(NotifyPolicy(cfg)))
	if err == nil {
		err = srv.Start()
	}
	if err != nil {
		s.cleanupContainers()
		return nil, fmt.Errorf("start proxy: %w", err)
	}
	s.proxy = srv

	if s.store != nil {
		if err := s.store.Record(s.record(plan.Workspace)); err != nil {
			s.log.Warn("record session", "session", s.ID, "error", err)
		}
	}
	s.log.Info("session started", "session", s.ID, "url", srv.URL(), "kinds", sidecars.Kinds())
	return s, nil
}

// SocketDir returns the per-session socket directory under root. When root
// cannot be created a directory under the system temp dir is used.
func SocketDir(root, sid string) string {
	if root == "" {
		root = config.DefaultSocketRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		root = filepath.Join(os.TempDir(), "aifo")
	}
	return filepath.Join(root, "aifo-"+sid)
}

// NotifyPolicy builds the /notify policy from cfg.
func NotifyPolicy(cfg *config.Config) *notify.Policy {
	return &notify.Policy{
		ConfigPath:      cfg.NotificationsConfig,
		Allowlist:       cfg.NotificationsAllowlist,
		SafeDirs:        cfg.NotificationsSafeDirs,
		MaxAppendedArgs: cfg.NotificationsMaxArgs,
	}
}

func (s *Session) record(workspace string) sessionstore.Session {
	rec := sessionstore.Session{
		ID:        s.ID,
		Network:   s.sidecars.Network,
		ProxyURL:  s.proxy.URL(),
		SocketDir: s.socketDir,
		Workspace: workspace,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}
	for _, sc := range s.sidecars.Sidecars() {
		rec.Sidecars = append(rec.Sidecars, sessionstore.Sidecar{
			Kind:        string(sc.Kind),
			Name:        sc.Name,
			ContainerID: sc.ContainerID,
			Image:       sc.Image,
		})
	}
	return rec
}

// URL is the proxy endpoint for shims.
func (s *Session) URL() string { return s.proxy.URL() }

// Token is the proxy bearer token.
func (s *Session) Token() string { return s.proxy.Token() }

// Network is the session's container network.
func (s *Session) Network() string { return s.sidecars.Network }

// Sidecars returns the container session.
func (s *Session) Sidecars() *container.Session { return s.sidecars }

// Env returns the variables an agent needs to reach this session.
func (s *Session) Env() []string {
	env := []string{
		"AIFO_TOOLEEXEC_URL=" + s.URL(),
		"AIFO_TOOLEEXEC_TOKEN=" + s.Token(),
		"AIFO_SESSION_NETWORK=" + s.Network(),
		"AIFO_CODER_FORK_SESSION=" + s.ID,
	}
	if s.socketDir != "" {
		env = append(env, "AIFO_TOOLEEXEC_USE_UNIX=1")
	}
	return env
}

// WriteEnv prints Env as shell export lines.
func (s *Session) WriteEnv(w io.Writer) error {
	for _, kv := range s.Env() {
		if _, err := fmt.Fprintf(w, "export %s\n", kv); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the proxy, removes the sidecars, the network and the socket
// dir, and drops the registry entry. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.proxy.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop proxy: %w", err))
		}
		if err := s.mgr.CleanupSession(ctx, s.ID); err != nil {
			errs = append(errs, err)
		}
		if s.socketDir != "" {
			if err := os.RemoveAll(s.socketDir); err != nil {
				errs = append(errs, fmt.Errorf("remove socket dir: %w", err))
			}
		}
		if s.store != nil {
			if err := s.store.Remove(s.ID); err != nil {
				s.log.Warn("unrecord session", "session", s.ID, "error", err)
			}
		}
		s.closeErr = errors.Join(errs...)
		s.log.Info("session stopped", "session", s.ID)
	})
	return s.closeErr
}

func (s *Session) cleanupContainers() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.mgr.CleanupSession(ctx, s.ID); err != nil {
		s.log.Warn("cleanup after failed start", "session", s.ID, "error", err)
	}
}

// Cleanup tears down session sid from any process. Unknown sessions are a
// no-op. st may be nil.
func Cleanup(ctx context.Context, mgr Manager, st sessionstore.Store, cfg *config.Config, sid string) error {
	if !ValidID(sid) {
		return nil
	}
	var errs []error
	if err := mgr.CleanupSession(ctx, sid); err != nil {
		errs = append(errs, err)
	}

	dirs := []string{filepath.Join(os.TempDir(), "aifo", "aifo-"+sid)}
	if cfg.SocketRoot != "" {
		dirs = append(dirs, filepath.Join(cfg.SocketRoot, "aifo-"+sid))
	}
	if st != nil {
		rec, err := st.Get(sid)
		switch {
		case err == nil && rec.SocketDir != "":
			dirs = append(dirs, rec.SocketDir)
		case err != nil && !errors.Is(err, sessionstore.ErrNotFound):
			slog.Debug("registry lookup", "session", sid, "error", err)
		}
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", d, err))
		}
	}
	if st != nil {
		if err := st.Remove(sid); err != nil {
			errs = append(errs, fmt.Errorf("unrecord session: %w", err))
		}
	}
	return errors.Join(errs...)
}
