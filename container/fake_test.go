package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// fakeRun scripts the outcome of one exec.
type fakeRun struct {
	stdout string
	stderr string
	code   int
	block  bool
}

type fakeContainer struct {
	id      string
	spec    containerSpec
	running bool
}

type fakeEngine struct {
	mu         sync.Mutex
	networks   map[string]map[string]string
	containers map[string]*fakeContainer
	volumes    map[string]bool
	nextID     int

	createErr   map[string]error // by image
	execErr     error
	run         func(opts execOptions) fakeRun
	execs       map[string]execOptions
	codes       map[string]int
	killed      []string
	pulled      []string
	stopTimeout []int
}

var _ engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		networks:   make(map[string]map[string]string),
		containers: make(map[string]*fakeContainer),
		volumes:    make(map[string]bool),
		createErr:  make(map[string]error),
		execs:      make(map[string]execOptions),
		codes:      make(map[string]int),
		run:        func(execOptions) fakeRun { return fakeRun{} },
	}
}

func (f *fakeEngine) EnsureNetwork(_ context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = labels
	return nil
}

func (f *fakeEngine) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; !ok {
		return errNotFound
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) FindContainer(_ context.Context, name string) (containerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return containerInfo{}, errNotFound
	}
	return containerInfo{ID: c.id, Name: name, Running: c.running, Labels: c.spec.Labels}, nil
}

func (f *fakeEngine) ListContainers(_ context.Context, labels map[string]string) ([]containerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []containerInfo
	for name, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.spec.Labels[k] != v {
				match = false
			}
		}
		if match {
			out = append(out, containerInfo{ID: c.id, Name: name, Running: c.running, Labels: c.spec.Labels})
		}
	}
	return out, nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, spec containerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[spec.Image]; err != nil {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("c%03d", f.nextID)
	f.containers[spec.Name] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *fakeEngine) byID(id string) (string, *fakeContainer) {
	for name, c := range f.containers {
		if c.id == id {
			return name, c
		}
	}
	return "", nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, c := f.byID(id)
	if c == nil {
		return errNotFound
	}
	c.running = true
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, timeoutSecs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimeout = append(f.stopTimeout, timeoutSecs)
	_, c := f.byID(id)
	if c == nil {
		return errNotFound
	}
	c.running = false
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, c := f.byID(id)
	if c == nil {
		return errNotFound
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return nil
}

func (f *fakeEngine) ExecCreate(_ context.Context, containerID string, opts execOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(opts.Cmd) > 4 && opts.Cmd[3] == "aifo-kill" {
		f.killed = append(f.killed, opts.Cmd[4])
	} else if f.execErr != nil {
		return "", f.execErr
	}
	f.nextID++
	id := fmt.Sprintf("e%03d", f.nextID)
	f.execs[id] = opts
	return id, nil
}

type pipeCloser struct {
	*io.PipeReader
}

func (f *fakeEngine) ExecAttach(_ context.Context, execID string) (io.ReadCloser, error) {
	f.mu.Lock()
	opts, ok := f.execs[execID]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("no such exec")
	}

	run := fakeRun{}
	if len(opts.Cmd) <= 3 || opts.Cmd[3] != "aifo-kill" {
		run = f.run(opts)
	}
	f.mu.Lock()
	f.codes[execID] = run.code
	f.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		if run.block {
			return
		}
		if run.stdout != "" {
			_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stdout).Write([]byte(run.stdout))
		}
		if run.stderr != "" {
			_, _ = stdcopy.NewStdWriter(pw, stdcopy.Stderr).Write([]byte(run.stderr))
		}
		pw.Close()
	}()
	return pipeCloser{pr}, nil
}

func (f *fakeEngine) ExecExitCode(_ context.Context, execID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codes[execID], nil
}

func (f *fakeEngine) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.volumes[name] {
		return errNotFound
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) killedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}
