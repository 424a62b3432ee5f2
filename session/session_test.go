package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/everydev1618/aifo/config"
	"github.com/everydev1618/aifo/internal/sessionstore"
	"github.com/everydev1618/aifo/routing"
	"github.com/everydev1618/aifo/shim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		ProxyTimeout:         10 * time.Second,
		BindHost:             "127.0.0.1",
		AdvertiseHost:        "127.0.0.1",
		NotificationsMaxArgs: config.DefaultMaxNotifyArgs,
	}
}

func openStore(t *testing.T) *sessionstore.SQLiteStore {
	t.Helper()
	st, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init())
	t.Cleanup(func() { st.Close() })
	return st
}

func closeSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Close(ctx))
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	return m
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("abc123"))
	assert.True(t, ValidID("a_b-C"))
	assert.True(t, ValidID(NewID()))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("../etc"))
	assert.False(t, ValidID("a b"))
	assert.False(t, ValidID(strings.Repeat("a", 65)))
}

func TestStartRunsToolsThroughProxy(t *testing.T) {
	mgr := newFakeManager(routing.Rust, routing.Node)
	st := openStore(t)

	s, err := Start(context.Background(), mgr, testConfig(), Plan{
		ID:        "sess1",
		Kinds:     []routing.Kind{routing.Rust, routing.Node},
		Workspace: "/host/project",
	}, WithStore(st))
	require.NoError(t, err)
	defer closeSession(t, s)

	assert.True(t, strings.HasPrefix(s.URL(), "http://127.0.0.1:"))
	assert.Equal(t, "aifo-net-sess1", s.Network())

	env := envMap(s.Env())
	assert.Equal(t, s.URL(), env["AIFO_TOOLEEXEC_URL"])
	assert.Equal(t, s.Token(), env["AIFO_TOOLEEXEC_TOKEN"])
	assert.Equal(t, "sess1", env["AIFO_CODER_FORK_SESSION"])
	_, unix := env["AIFO_TOOLEEXEC_USE_UNIX"]
	assert.False(t, unix)

	rec, err := st.Get("sess1")
	require.NoError(t, err)
	assert.Equal(t, s.URL(), rec.ProxyURL)
	assert.Equal(t, "/host/project", rec.Workspace)
	assert.Len(t, rec.Sidecars, 2)

	client, err := shim.NewClient(s.URL(), s.Token())
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	code, err := client.Exec(context.Background(), "cargo", "/host/project/crates/x", []string{"build", "--release"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "[cid-rust] cargo build --release\n", stdout.String())

	spec, err := mgr.lastExec()
	require.NoError(t, err)
	assert.Equal(t, "/workspace/crates/x", spec.WorkDir)
	assert.Equal(t, client.ExecID(), spec.ExecID)
}

func TestMissingSidecarIsProtocolError(t *testing.T) {
	mgr := newFakeManager(routing.Node)
	s, err := Start(context.Background(), mgr, testConfig(), Plan{
		ID:    "sess2",
		Kinds: []routing.Kind{routing.Node, routing.Python},
	})
	require.NoError(t, err)
	defer closeSession(t, s)

	client, err := shim.NewClient(s.URL(), s.Token())
	require.NoError(t, err)
	var stdout, stderr bytes.Buffer
	code, err := client.Exec(context.Background(), "pip", ".", []string{"install", "x"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, shim.ExitProtocol, code)
	assert.Contains(t, stderr.String(), "no running sidecar")
	assert.Empty(t, stdout.String())

	_, err = mgr.lastExec()
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	mgr := newFakeManager(routing.Go)
	st := openStore(t)
	s, err := Start(context.Background(), mgr, testConfig(), Plan{ID: "sess3", Kinds: []routing.Kind{routing.Go}}, WithStore(st))
	require.NoError(t, err)
	url := s.URL()

	closeSession(t, s)
	closeSession(t, s)
	assert.Equal(t, 1, mgr.cleanupCount())

	_, err = st.Get("sess3")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)

	client, err := shim.NewClient(url, s.Token())
	require.NoError(t, err)
	_, err = client.Exec(context.Background(), "go", ".", nil, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, shim.ErrUnreachable)
}

func TestUnixSocketSession(t *testing.T) {
	// Socket paths are length limited; keep the root short.
	root, err := os.MkdirTemp("", "aifo")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	cfg := testConfig()
	cfg.UseUnixSocket = true
	cfg.SocketRoot = root

	mgr := newFakeManager(routing.Python)
	s, err := Start(context.Background(), mgr, cfg, Plan{ID: "sess4", Kinds: []routing.Kind{routing.Python}})
	require.NoError(t, err)

	dir := filepath.Join(root, "aifo-sess4")
	assert.Equal(t, "unix://"+filepath.Join(dir, SocketName), s.URL())
	assert.Equal(t, "1", envMap(s.Env())["AIFO_TOOLEEXEC_USE_UNIX"])

	var out bytes.Buffer
	require.NoError(t, s.WriteEnv(&out))
	assert.Contains(t, out.String(), "export AIFO_TOOLEEXEC_URL=unix://")

	client, err := shim.NewClient(s.URL(), s.Token())
	require.NoError(t, err)
	var stdout bytes.Buffer
	code, err := client.Exec(context.Background(), "python3", ".", []string{"-V"}, &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "[cid-python] python3 -V\n", stdout.String())

	closeSession(t, s)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestStartErrors(t *testing.T) {
	mgr := newFakeManager()
	mgr.startErr = errors.New("docker not available")
	_, err := Start(context.Background(), mgr, testConfig(), Plan{ID: "sess5"})
	assert.ErrorContains(t, err, "docker not available")

	_, err = Start(context.Background(), newFakeManager(), testConfig(), Plan{ID: "bad/id"})
	assert.ErrorContains(t, err, "invalid session id")

	cfg := testConfig()
	cfg.SessionID = "fromenv"
	s, err := Start(context.Background(), newFakeManager(), cfg, Plan{})
	require.NoError(t, err)
	assert.Equal(t, "fromenv", s.ID)
	closeSession(t, s)
}

func TestCleanup(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.SocketRoot = root
	st := openStore(t)

	dir := filepath.Join(root, "aifo-gone")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, st.Record(sessionstore.Session{ID: "gone", SocketDir: dir, StartedAt: time.Now()}))

	mgr := newFakeManager()
	require.NoError(t, Cleanup(context.Background(), mgr, st, cfg, "gone"))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, err = st.Get("gone")
	assert.ErrorIs(t, err, sessionstore.ErrNotFound)

	// Repeating it, or naming a session that never existed, is harmless.
	require.NoError(t, Cleanup(context.Background(), mgr, st, cfg, "gone"))
	require.NoError(t, Cleanup(context.Background(), mgr, nil, cfg, "never"))
	assert.Equal(t, 3, mgr.cleanupCount())

	require.NoError(t, Cleanup(context.Background(), mgr, st, cfg, "../x"))
	assert.Equal(t, 3, mgr.cleanupCount())
}
