package container

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/aifo/routing"
)

func newTestManager(t *testing.T, eng *fakeEngine, opts ...ManagerOption) *Manager {
	t.Helper()
	base := []ManagerOption{
		WithWorkspace("/home/dev/project"),
		WithUser(1000, 1000),
		WithEnvLookup(func(string) (string, bool) { return "", false }),
		WithKillGrace(10 * time.Millisecond),
	}
	return newManager(eng, append(base, opts...)...)
}

func TestStartSession(t *testing.T) {
	eng := newFakeEngine()
	m := newTestManager(t, eng)

	sess, err := m.StartSession(context.Background(), SessionSpec{
		ID:     "s1",
		Kinds:  []routing.Kind{routing.Rust, routing.Node, routing.Rust},
		Images: map[routing.Kind]string{routing.Node: "node:22"},
	})
	require.NoError(t, err)

	assert.Equal(t, "aifo-net-s1", sess.Network)
	assert.Contains(t, eng.networks, "aifo-net-s1")
	assert.Equal(t, []routing.Kind{routing.Rust, routing.Node}, sess.Kinds())
	assert.Len(t, eng.containers, 2)

	rust := eng.containers["aifo-tc-rust-s1"]
	require.NotNil(t, rust)
	assert.True(t, rust.running)
	assert.Equal(t, "aifo-coder-toolchain-rust:latest", rust.spec.Image)
	assert.Equal(t, "1000:1000", rust.spec.User)
	assert.Equal(t, "/workspace", rust.spec.WorkDir)
	assert.Equal(t, []string{"/bin/sleep", "infinity"}, rust.spec.Cmd)
	assert.Equal(t, "aifo-net-s1", rust.spec.Network)
	assert.Equal(t, "s1", rust.spec.Labels[LabelSession])
	assert.Equal(t, "rust", rust.spec.Labels[LabelKind])
	assert.Contains(t, rust.spec.Env, "CARGO_HOME=/home/coder/.cargo")
	assert.Contains(t, rust.spec.Mounts, mount.Mount{Type: mount.TypeBind, Source: "/home/dev/project", Target: "/workspace"})
	assert.Contains(t, rust.spec.Mounts, mount.Mount{Type: mount.TypeVolume, Source: VolCargoRegistry, Target: "/usr/local/cargo/registry"})

	assert.Equal(t, "node:22", eng.containers["aifo-tc-node-s1"].spec.Image)
	assert.ElementsMatch(t, []string{"aifo-coder-toolchain-rust:latest", "node:22"}, eng.pulled)

	sc, err := sess.Sidecar(routing.Rust)
	require.NoError(t, err)
	assert.Equal(t, rust.id, sc.ContainerID)

	_, err = sess.Sidecar(routing.Go)
	assert.ErrorIs(t, err, ErrNoSidecar)
}

func TestStartSessionRustSccache(t *testing.T) {
	sccacheTarget := "/home/coder/.cache/sccache"

	t.Run("volume", func(t *testing.T) {
		eng := newFakeEngine()
		m := newTestManager(t, eng, WithSccache(true))
		_, err := m.StartSession(context.Background(), SessionSpec{ID: "s1", Kinds: []routing.Kind{routing.Rust}})
		require.NoError(t, err)

		spec := eng.containers["aifo-tc-rust-s1"].spec
		assert.Contains(t, spec.Mounts, mount.Mount{Type: mount.TypeVolume, Source: VolSccache, Target: sccacheTarget})
		assert.Contains(t, spec.Env, "RUSTC_WRAPPER=sccache")
		assert.Contains(t, spec.Env, "SCCACHE_DIR="+sccacheTarget)
	})

	t.Run("host dir", func(t *testing.T) {
		eng := newFakeEngine()
		m := newTestManager(t, eng, WithSccache(true), WithSccacheDir("/var/cache/sccache"))
		_, err := m.StartSession(context.Background(), SessionSpec{ID: "s1", Kinds: []routing.Kind{routing.Rust}})
		require.NoError(t, err)

		spec := eng.containers["aifo-tc-rust-s1"].spec
		assert.Contains(t, spec.Mounts, mount.Mount{Type: mount.TypeBind, Source: "/var/cache/sccache", Target: sccacheTarget})
		for _, mt := range spec.Mounts {
			assert.NotEqual(t, VolSccache, mt.Source)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		eng := newFakeEngine()
		m := newTestManager(t, eng, WithSccacheDir("/var/cache/sccache"))
		_, err := m.StartSession(context.Background(), SessionSpec{ID: "s1", Kinds: []routing.Kind{routing.Rust}})
		require.NoError(t, err)

		spec := eng.containers["aifo-tc-rust-s1"].spec
		for _, mt := range spec.Mounts {
			assert.NotEqual(t, sccacheTarget, mt.Target)
		}
		assert.NotContains(t, spec.Env, "RUSTC_WRAPPER=sccache")
	})
}

func TestStartSessionReusesExisting(t *testing.T) {
	eng := newFakeEngine()
	m := newTestManager(t, eng)
	ctx := context.Background()

	first, err := m.StartSession(ctx, SessionSpec{ID: "s1", Kinds: []routing.Kind{routing.Go}})
	require.NoError(t, err)
	eng.containers["aifo-tc-go-s1"].running = false

	second, err := m.StartSession(ctx, SessionSpec{ID: "s1", Kinds: []routing.Kind{routing.Go}})
	require.NoError(t, err)

	a, _ := first.Sidecar(routing.Go)
	b, _ := second.Sidecar(routing.Go)
	assert.Equal(t, a.ContainerID, b.ContainerID)
	assert.True(t, eng.containers["aifo-tc-go-s1"].running)
}

func TestStartSessionBestEffort(t *testing.T) {
	eng := newFakeEngine()
	eng.createErr["python:3.12-slim"] = errors.New("manifest unknown")
	m := newTestManager(t, eng)

	sess, err := m.StartSession(context.Background(), SessionSpec{
		ID:    "s2",
		Kinds: []routing.Kind{routing.Python, routing.Node},
	})
	require.NoError(t, err)

	assert.Equal(t, []routing.Kind{routing.Node}, sess.Kinds())
	failed := sess.Failed()
	require.Contains(t, failed, routing.Python)

	var sErr *SidecarError
	require.ErrorAs(t, failed[routing.Python], &sErr)
	assert.Equal(t, routing.Python, sErr.Kind)

	_, err = sess.Sidecar(routing.Python)
	require.ErrorIs(t, err, ErrNoSidecar)
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestStartSessionWithoutDocker(t *testing.T) {
	m := newManager(nil)
	assert.False(t, m.IsAvailable())

	_, err := m.StartSession(context.Background(), SessionSpec{ID: "s", Kinds: []routing.Kind{routing.Go}})
	assert.ErrorIs(t, err, ErrDockerUnavailable)
}

func TestCleanupSessionIdempotent(t *testing.T) {
	eng := newFakeEngine()
	m := newTestManager(t, eng)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.NoError(t, m.CleanupSession(ctx, "never-started"))
	}

	_, err := m.StartSession(ctx, SessionSpec{ID: "s3", Kinds: []routing.Kind{routing.Rust, routing.CCpp}})
	require.NoError(t, err)
	_, err = m.StartSession(ctx, SessionSpec{ID: "other", Kinds: []routing.Kind{routing.Rust}})
	require.NoError(t, err)

	require.NoError(t, m.CleanupSession(ctx, "s3"))
	assert.NotContains(t, eng.containers, "aifo-tc-rust-s3")
	assert.NotContains(t, eng.containers, "aifo-tc-c-cpp-s3")
	assert.NotContains(t, eng.networks, "aifo-net-s3")
	assert.Contains(t, eng.containers, "aifo-tc-rust-other")
	for _, timeout := range eng.stopTimeout {
		assert.Equal(t, 1, timeout)
	}

	assert.NoError(t, m.CleanupSession(ctx, "s3"))
	assert.NoError(t, m.CleanupSession(ctx, ""))
	assert.NoError(t, newManager(nil).CleanupSession(ctx, "s3"))
}

func TestListSessions(t *testing.T) {
	eng := newFakeEngine()
	m := newTestManager(t, eng)
	ctx := context.Background()

	_, err := m.StartSession(ctx, SessionSpec{ID: "a", Kinds: []routing.Kind{routing.Rust, routing.Go}})
	require.NoError(t, err)
	_, err = m.StartSession(ctx, SessionSpec{ID: "b", Kinds: []routing.Kind{routing.Node}})
	require.NoError(t, err)

	ids, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestPurgeCaches(t *testing.T) {
	eng := newFakeEngine()
	eng.volumes[VolCargoGit] = true
	eng.volumes["aifo-npm-cache"] = true
	eng.volumes["unrelated"] = true
	m := newTestManager(t, eng)

	require.NoError(t, m.PurgeCaches(context.Background()))
	assert.Equal(t, map[string]bool{"unrelated": true}, eng.volumes)

	require.NoError(t, m.PurgeCaches(context.Background()))
	assert.ErrorIs(t, newManager(nil).PurgeCaches(context.Background()), ErrDockerUnavailable)
}

func TestExec(t *testing.T) {
	eng := newFakeEngine()
	var seen execOptions
	eng.run = func(opts execOptions) fakeRun {
		seen = opts
		return fakeRun{stdout: "out\n", stderr: "warn\n", code: 3}
	}
	m := newTestManager(t, eng)

	var stdout, stderr bytes.Buffer
	code, err := m.Exec(context.Background(), ExecSpec{
		ContainerID: "c1",
		ExecID:      "x1",
		Cmd:         []string{"cargo", "build"},
		WorkDir:     "/workspace/crate",
		Env:         []string{"TRACEPARENT=00-abc"},
	}, &stdout, &stderr)

	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "warn\n", stderr.String())

	assert.Equal(t, []string{"/bin/sh", "-c", execWrapper, "aifo-exec", "cargo", "build"}, seen.Cmd)
	assert.Equal(t, "/workspace/crate", seen.WorkDir)
	assert.Equal(t, []string{"TRACEPARENT=00-abc", "AIFO_EXEC_ID=x1"}, seen.Env)
}

func TestExecCommandNotFound(t *testing.T) {
	eng := newFakeEngine()
	eng.run = func(execOptions) fakeRun {
		return fakeRun{stderr: "aifo-exec: cargo: command not found\n", code: 127}
	}
	m := newTestManager(t, eng)

	var stdout, stderr bytes.Buffer
	_, err := m.Exec(context.Background(), ExecSpec{ContainerID: "c1", Cmd: []string{"cargo"}}, &stdout, &stderr)
	assert.ErrorIs(t, err, ErrCommandNotFound)
	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())
}

func TestExecToolExit127IsNotSpawnFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.run = func(execOptions) fakeRun {
		return fakeRun{stderr: "make: gcc: No such file or directory\n", code: 127}
	}
	m := newTestManager(t, eng)

	var stdout, stderr bytes.Buffer
	code, err := m.Exec(context.Background(), ExecSpec{ContainerID: "c1", Cmd: []string{"make"}}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, 127, code)
	assert.Equal(t, "make: gcc: No such file or directory\n", stderr.String())
}

func TestExecStartFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.execErr = errors.New("container is not running")
	m := newTestManager(t, eng)

	_, err := m.Exec(context.Background(), ExecSpec{ContainerID: "c1", Cmd: []string{"go"}}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrExecStart)

	_, err = m.Exec(context.Background(), ExecSpec{ContainerID: "c1"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrExecStart)
}

func TestExecTimeoutKillsProcess(t *testing.T) {
	eng := newFakeEngine()
	eng.run = func(execOptions) fakeRun { return fakeRun{block: true} }
	m := newTestManager(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Exec(ctx, ExecSpec{ContainerID: "c1", ExecID: "slow", Cmd: []string{"sleep", "60"}}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"slow"}, eng.killedIDs())
}

func TestNotFoundFilterSplitWrites(t *testing.T) {
	var out bytes.Buffer
	f := &notFoundFilter{w: &out, marker: notFoundMarker("tsc")}

	marker := string(notFoundMarker("tsc"))
	for _, part := range []string{marker[:5], marker[5:12], marker[12:]} {
		_, err := f.Write([]byte(part))
		require.NoError(t, err)
	}
	assert.True(t, f.matched())
	assert.Empty(t, out.String())

	f.finish(false)
	assert.Equal(t, marker, out.String())

	out.Reset()
	g := &notFoundFilter{w: &out, marker: notFoundMarker("tsc")}
	_, _ = g.Write([]byte("aifo"))
	_, _ = g.Write([]byte("-other\n"))
	_, _ = g.Write([]byte("more"))
	assert.False(t, g.matched())
	assert.Equal(t, "aifo-other\nmore", out.String())
	assert.True(t, strings.HasPrefix(out.String(), "aifo"))
}
