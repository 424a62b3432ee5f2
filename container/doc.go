// Package container manages the toolchain sidecars of a session.
//
// A session owns one bridge network (aifo-net-<sid>) and at most one sidecar
// per toolchain kind (aifo-tc-<kind>-<sid>). Sidecars idle on
// `sleep infinity`; tools run in them through Docker exec.
//
// # Overview
//
//   - Manager: start, exec, cleanup and cache purge over the Docker Engine API
//   - Session: the live sidecars of one session id, looked up by kind
//
// # Caches
//
// Package-manager caches live on named volumes (aifo-cargo-registry,
// aifo-node-cache, aifo-pip-cache, ...) shared by all sessions. Cleanup leaves
// them alone; PurgeCaches removes them, including legacy names such as
// aifo-npm-cache that are no longer mounted.
//
// # Graceful Degradation
//
// When Docker is unavailable, Manager.IsAvailable() returns false,
// StartSession fails with ErrDockerUnavailable and CleanupSession is a no-op.
//
// # Example
//
//	m := container.NewManager(container.WithWorkspace(dir))
//	defer m.Close()
//
//	sess, err := m.StartSession(ctx, container.SessionSpec{
//	    ID:    sid,
//	    Kinds: []routing.Kind{routing.Rust, routing.Node},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.CleanupSession(context.Background(), sid)
//
//	sc, err := sess.Sidecar(routing.Rust)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	code, err := m.Exec(ctx, container.ExecSpec{
//	    ContainerID: sc.ContainerID,
//	    Cmd:         []string{"cargo", "--version"},
//	}, os.Stdout, os.Stderr)
package container
