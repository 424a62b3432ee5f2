package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// errNotFound is returned by engine lookups for absent objects.
var errNotFound = errors.New("not found")

// containerSpec is everything needed to create one sidecar.
type containerSpec struct {
	Name    string
	Image   string
	User    string
	WorkDir string
	Env     []string
	Labels  map[string]string
	Cmd     []string
	Mounts  []mount.Mount
	Network string
}

// containerInfo describes a listed container.
type containerInfo struct {
	ID      string
	Name    string
	Running bool
	Labels  map[string]string
}

// execOptions configures one exec inside a running container.
type execOptions struct {
	Cmd     []string
	WorkDir string
	Env     []string
}

// engine is the subset of the container runtime the manager drives. The
// Docker Engine API implements it in production.
type engine interface {
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string) error
	FindContainer(ctx context.Context, name string) (containerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]containerInfo, error)
	CreateContainer(ctx context.Context, spec containerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSecs int) error
	RemoveContainer(ctx context.Context, id string) error
	EnsureImage(ctx context.Context, ref string) error
	ExecCreate(ctx context.Context, containerID string, opts execOptions) (string, error)
	ExecAttach(ctx context.Context, execID string) (io.ReadCloser, error)
	ExecExitCode(ctx context.Context, execID string) (int, error)
	RemoveVolume(ctx context.Context, name string) error
	Close() error
}

// dockerEngine implements engine over the Docker Engine API.
type dockerEngine struct {
	cli *client.Client
}

var _ engine = (*dockerEngine)(nil)

// newDockerEngine connects to the Docker daemon, trying the environment first
// and then the usual socket locations.
func newDockerEngine() (*dockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if pingClient(cli) == nil {
			return &dockerEngine{cli: cli}, nil
		}
		cli.Close()
	}

	home := os.Getenv("HOME")
	socketPaths := []string{
		"unix:///var/run/docker.sock",
		"unix://" + home + "/.docker/run/docker.sock", // Docker Desktop
		"unix://" + home + "/.colima/docker.sock",     // Colima
		"unix://" + os.Getenv("XDG_RUNTIME_DIR") + "/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		if pingClient(cli) == nil {
			return &dockerEngine{cli: cli}, nil
		}
		cli.Close()
	}

	return nil, ErrDockerUnavailable
}

func pingClient(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

func (d *dockerEngine) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return err
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}

	_, err = d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if errdefs.IsConflict(err) {
		return nil
	}
	return err
}

func (d *dockerEngine) RemoveNetwork(ctx context.Context, name string) error {
	err := d.cli.NetworkRemove(ctx, name)
	if errdefs.IsNotFound(err) {
		return errNotFound
	}
	return err
}

func (d *dockerEngine) FindContainer(ctx context.Context, name string) (containerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return containerInfo{}, err
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return containerInfo{ID: c.ID, Name: name, Running: c.State == "running", Labels: c.Labels}, nil
			}
		}
	}
	return containerInfo{}, errNotFound
}

func (d *dockerEngine) ListContainers(ctx context.Context, labels map[string]string) ([]containerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	out := make([]containerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0][1:]
		}
		out = append(out, containerInfo{ID: c.ID, Name: name, Running: c.State == "running", Labels: c.Labels})
	}
	return out, nil
}

func (d *dockerEngine) CreateContainer(ctx context.Context, spec containerSpec) (string, error) {
	cfg := &container.Config{
		Image:      spec.Image,
		User:       spec.User,
		WorkingDir: spec.WorkDir,
		Env:        spec.Env,
		Labels:     spec.Labels,
		Cmd:        spec.Cmd,
	}
	hostCfg := &container.HostConfig{
		Mounts:      spec.Mounts,
		NetworkMode: container.NetworkMode(spec.Network),
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: []string{spec.Name}},
			},
		}
	}
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerEngine) StartContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *dockerEngine) StopContainer(ctx context.Context, id string, timeoutSecs int) error {
	err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSecs})
	if errdefs.IsNotFound(err) {
		return errNotFound
	}
	return err
}

func (d *dockerEngine) RemoveContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return errNotFound
	}
	return err
}

// EnsureImage pulls ref if it is not present locally.
func (d *dockerEngine) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerEngine) ExecCreate(ctx context.Context, containerID string, opts execOptions) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// hijacked adapts the exec attach stream to io.ReadCloser.
type hijacked struct {
	io.Reader
	close func()
}

func (h hijacked) Close() error {
	h.close()
	return nil
}

func (d *dockerEngine) ExecAttach(ctx context.Context, execID string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecStartOptions{})
	if err != nil {
		return nil, err
	}
	return hijacked{Reader: resp.Reader, close: resp.Close}, nil
}

// ExecExitCode waits briefly for the daemon to record the exit status; the
// attach stream can reach EOF a moment before the exec is marked stopped.
func (d *dockerEngine) ExecExitCode(ctx context.Context, execID string) (int, error) {
	for i := 0; ; i++ {
		resp, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, err
		}
		if !resp.Running {
			return resp.ExitCode, nil
		}
		if i >= 40 {
			return 0, fmt.Errorf("exec %s still running", execID)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (d *dockerEngine) RemoveVolume(ctx context.Context, name string) error {
	err := d.cli.VolumeRemove(ctx, name, false)
	if errdefs.IsNotFound(err) {
		return errNotFound
	}
	return err
}

func (d *dockerEngine) Close() error {
	return d.cli.Close()
}
