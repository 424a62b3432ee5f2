package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/everydev1618/aifo/container"
	"github.com/everydev1618/aifo/routing"
)

// fakeManager stands in for the container manager. Only the kinds listed in
// live come up; the rest are reported as failed.
type fakeManager struct {
	live     map[routing.Kind]bool
	startErr error

	mu       sync.Mutex
	execs    []container.ExecSpec
	cleanups []string
	exitCode int
}

func newFakeManager(kinds ...routing.Kind) *fakeManager {
	m := &fakeManager{live: make(map[routing.Kind]bool)}
	for _, k := range kinds {
		m.live[k] = true
	}
	return m
}

func (m *fakeManager) StartSession(ctx context.Context, spec container.SessionSpec) (*container.Session, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	var scs []*container.Sidecar
	for _, k := range spec.Kinds {
		if m.live[k] {
			scs = append(scs, &container.Sidecar{
				Kind:        k,
				Name:        container.SidecarName(k, spec.ID),
				ContainerID: "cid-" + string(k),
				Image:       routing.DefaultImage(string(k)),
			})
		}
	}
	return container.NewSession(spec.ID, scs...), nil
}

func (m *fakeManager) CleanupSession(ctx context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, sid)
	return nil
}

func (m *fakeManager) Exec(ctx context.Context, spec container.ExecSpec, stdout, stderr io.Writer) (int, error) {
	m.mu.Lock()
	m.execs = append(m.execs, spec)
	code := m.exitCode
	m.mu.Unlock()
	fmt.Fprintf(stdout, "[%s] %s\n", spec.ContainerID, strings.Join(spec.Cmd, " "))
	return code, nil
}

func (m *fakeManager) lastExec() (container.ExecSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.execs) == 0 {
		return container.ExecSpec{}, errors.New("no exec recorded")
	}
	return m.execs[len(m.execs)-1], nil
}

func (m *fakeManager) cleanupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cleanups)
}
