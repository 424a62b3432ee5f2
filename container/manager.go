package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/mount"

	"github.com/everydev1618/aifo/routing"
)

// Errors returned by the manager.
var (
	ErrDockerUnavailable = errors.New("docker not available")
	ErrNoSidecar         = errors.New("no running sidecar")
)

// SidecarError records why one toolchain kind failed to start.
type SidecarError struct {
	Kind routing.Kind
	Err  error
}

func (e *SidecarError) Error() string {
	return fmt.Sprintf("sidecar %s: %v", e.Kind, e.Err)
}

func (e *SidecarError) Unwrap() error {
	return e.Err
}

// Manager runs toolchain sidecars on session-private networks.
type Manager struct {
	engine    engine
	mu        sync.RWMutex
	available bool

	workspace  string
	uid, gid   int
	noCache    bool
	sccache    bool
	sccacheDir string
	lookupEnv  func(string) (string, bool)
	killGrace  time.Duration
	pull       bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWorkspace sets the host directory bind-mounted at /workspace.
func WithWorkspace(dir string) ManagerOption {
	return func(m *Manager) {
		m.workspace = dir
	}
}

// WithUser sets the uid:gid sidecar processes run as.
func WithUser(uid, gid int) ManagerOption {
	return func(m *Manager) {
		m.uid, m.gid = uid, gid
	}
}

// WithNoCache disables cache volumes.
func WithNoCache(noCache bool) ManagerOption {
	return func(m *Manager) {
		m.noCache = noCache
	}
}

// WithSccache mounts an sccache volume into rust sidecars.
func WithSccache(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.sccache = enabled
	}
}

// WithSccacheDir bind-mounts a host directory as the sccache cache instead of
// the shared volume. It has no effect unless sccache is enabled.
func WithSccacheDir(dir string) ManagerOption {
	return func(m *Manager) {
		m.sccacheDir = dir
	}
}

// WithEnvLookup sets how host passthrough variables are read.
func WithEnvLookup(lookup func(string) (string, bool)) ManagerOption {
	return func(m *Manager) {
		m.lookupEnv = lookup
	}
}

// WithKillGrace sets the delay between TERM and KILL on timeout.
func WithKillGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.killGrace = d
	}
}

// WithPull controls whether missing images are pulled before start.
func WithPull(pull bool) ManagerOption {
	return func(m *Manager) {
		m.pull = pull
	}
}

// NewManager connects to the container runtime. If Docker is unavailable it
// returns a Manager whose IsAvailable reports false; starting sidecars then
// fails while cleanup stays a no-op.
func NewManager(opts ...ManagerOption) *Manager {
	eng, err := newDockerEngine()
	if err != nil {
		slog.Debug("docker unavailable", "error", err)
		return newManager(nil, opts...)
	}
	return newManager(eng, opts...)
}

func newManager(eng engine, opts ...ManagerOption) *Manager {
	wd, _ := os.Getwd()
	m := &Manager{
		engine:    eng,
		available: eng != nil,
		workspace: wd,
		uid:       os.Getuid(),
		gid:       os.Getgid(),
		lookupEnv: os.LookupEnv,
		killGrace: 250 * time.Millisecond,
		pull:      true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsAvailable returns whether Docker is available.
func (m *Manager) IsAvailable() bool {
	return m.available
}

// SessionSpec describes the sidecars to start for a session.
type SessionSpec struct {
	ID     string
	Kinds  []routing.Kind
	Images map[routing.Kind]string
}

// Sidecar is one running toolchain container.
type Sidecar struct {
	Kind        routing.Kind
	Name        string
	ContainerID string
	Image       string
}

// Session is the set of sidecars started for one session id.
type Session struct {
	ID      string
	Network string

	mu       sync.RWMutex
	sidecars map[routing.Kind]*Sidecar
	failed   map[routing.Kind]error
}

// Sidecar returns the live sidecar for kind.
func (s *Session) Sidecar(kind routing.Kind) (*Sidecar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sc, ok := s.sidecars[kind]; ok {
		return sc, nil
	}
	if err, ok := s.failed[kind]; ok {
		return nil, fmt.Errorf("%w for %s: start failed: %v", ErrNoSidecar, kind, err)
	}
	return nil, fmt.Errorf("%w for %s", ErrNoSidecar, kind)
}

// Kinds returns the kinds with a live sidecar.
func (s *Session) Kinds() []routing.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKinds(s.sidecars)
}

// Sidecars returns the live sidecars in kind order.
func (s *Session) Sidecars() []*Sidecar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Sidecar, 0, len(s.sidecars))
	for _, k := range sortedKinds(s.sidecars) {
		out = append(out, s.sidecars[k])
	}
	return out
}

// Failed returns the start error per kind for sidecars that did not come up.
func (s *Session) Failed() map[routing.Kind]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[routing.Kind]error, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

// NewSession builds a Session from already running sidecars.
func NewSession(id string, sidecars ...*Sidecar) *Session {
	s := &Session{
		ID:       id,
		Network:  NetworkName(id),
		sidecars: make(map[routing.Kind]*Sidecar),
		failed:   make(map[routing.Kind]error),
	}
	for _, sc := range sidecars {
		s.sidecars[sc.Kind] = sc
	}
	return s
}

// StartSession creates the session network and one sidecar per requested
// kind. Start is best-effort per kind: a kind that fails is recorded in
// Session.Failed and requests for it fail at dispatch. The returned error is
// non-nil only when no sidecar could be attempted at all.
func (m *Manager) StartSession(ctx context.Context, spec SessionSpec) (*Session, error) {
	if !m.available {
		return nil, ErrDockerUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := NewSession(spec.ID)
	labels := map[string]string{LabelManagedBy: managedByValue, LabelSession: spec.ID}
	if err := m.engine.EnsureNetwork(ctx, sess.Network, labels); err != nil {
		return nil, fmt.Errorf("create network %s: %w", sess.Network, err)
	}

	for _, kind := range spec.Kinds {
		if _, seen := sess.sidecars[kind]; seen {
			continue
		}
		img := spec.Images[kind]
		if img == "" {
			img = routing.DefaultImage(string(kind))
		}
		sc, err := m.startSidecar(ctx, sess, kind, img)
		if err != nil {
			slog.Warn("sidecar start failed", "kind", kind, "session", spec.ID, "error", err)
			sess.failed[kind] = err
			continue
		}
		slog.Debug("sidecar started", "kind", kind, "name", sc.Name, "image", img)
		sess.sidecars[kind] = sc
	}
	return sess, nil
}

func (m *Manager) startSidecar(ctx context.Context, sess *Session, kind routing.Kind, img string) (*Sidecar, error) {
	name := SidecarName(kind, sess.ID)
	sc := &Sidecar{Kind: kind, Name: name, Image: img}

	if existing, err := m.engine.FindContainer(ctx, name); err == nil {
		if !existing.Running {
			if err := m.engine.StartContainer(ctx, existing.ID); err != nil {
				return nil, &SidecarError{Kind: kind, Err: fmt.Errorf("start existing container: %w", err)}
			}
		}
		sc.ContainerID = existing.ID
		return sc, nil
	}

	if m.pull {
		if err := m.engine.EnsureImage(ctx, img); err != nil {
			return nil, &SidecarError{Kind: kind, Err: fmt.Errorf("pull image %s: %w", img, err)}
		}
	}

	id, err := m.engine.CreateContainer(ctx, containerSpec{
		Name:    name,
		Image:   img,
		User:    fmt.Sprintf("%d:%d", m.uid, m.gid),
		WorkDir: WorkspaceDir,
		Env:     SidecarEnv(kind, m.sccache, m.lookupEnv),
		Labels:  sidecarLabels(kind, sess.ID),
		Cmd:     []string{"/bin/sleep", "infinity"},
		Mounts:  m.Mounts(kind),
		Network: sess.Network,
	})
	if err != nil {
		return nil, &SidecarError{Kind: kind, Err: fmt.Errorf("create container: %w", err)}
	}
	if err := m.engine.StartContainer(ctx, id); err != nil {
		_ = m.engine.RemoveContainer(ctx, id)
		return nil, &SidecarError{Kind: kind, Err: fmt.Errorf("start container: %w", err)}
	}
	sc.ContainerID = id
	return sc, nil
}

// Mounts returns the mounts a sidecar of kind is created with.
func (m *Manager) Mounts(kind routing.Kind) []mount.Mount {
	return sidecarMounts(kind, m.workspace, m.noCache, m.sccache, m.sccacheDir)
}

// CleanupSession stops and removes every sidecar of session sid and removes
// its network. Unknown or already cleaned sessions are a no-op, as is a
// missing Docker daemon. Cache volumes are left in place.
func (m *Manager) CleanupSession(ctx context.Context, sid string) error {
	if !m.available || sid == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make(map[string]string)
	for _, kind := range routing.Kinds {
		names[SidecarName(kind, sid)] = ""
	}
	if listed, err := m.engine.ListContainers(ctx, map[string]string{LabelSession: sid}); err == nil {
		for _, c := range listed {
			names[c.Name] = c.ID
		}
	}

	var errs []error
	for name, id := range names {
		if id == "" {
			info, err := m.engine.FindContainer(ctx, name)
			if err != nil {
				continue
			}
			id = info.ID
		}
		if err := m.engine.StopContainer(ctx, id, 1); err != nil && !errors.Is(err, errNotFound) {
			slog.Debug("sidecar stop failed", "name", name, "error", err)
		}
		if err := m.engine.RemoveContainer(ctx, id); err != nil && !errors.Is(err, errNotFound) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}

	if err := m.engine.RemoveNetwork(ctx, NetworkName(sid)); err != nil && !errors.Is(err, errNotFound) {
		errs = append(errs, fmt.Errorf("remove network: %w", err))
	}
	return errors.Join(errs...)
}

// ListSessions returns the ids of sessions with managed sidecars.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	if !m.available {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	containers, err := m.engine.ListContainers(ctx, map[string]string{LabelManagedBy: managedByValue})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, c := range containers {
		sid := c.Labels[LabelSession]
		if sid != "" && !seen[sid] {
			seen[sid] = true
			ids = append(ids, sid)
		}
	}
	return ids, nil
}

// PurgeCaches removes every named cache volume, including legacy names.
// Volumes that do not exist are skipped.
func (m *Manager) PurgeCaches(ctx context.Context) error {
	if !m.available {
		return ErrDockerUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, name := range PurgeVolumes {
		err := m.engine.RemoveVolume(ctx, name)
		switch {
		case err == nil:
			slog.Info("removed cache volume", "volume", name)
		case errors.Is(err, errNotFound):
		default:
			errs = append(errs, fmt.Errorf("remove volume %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	if m.engine != nil {
		return m.engine.Close()
	}
	return nil
}
