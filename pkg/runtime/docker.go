package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime implements Runtime against a Docker Engine
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the Docker daemon named by host, or DOCKER_HOST when empty
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close releases the docker client
func (r *DockerRuntime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// PullImage pulls an image and drains the progress stream
func (r *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// Registry errors arrive inside the stream, not as the call's error
	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// Run removes any container named spec.Name, then creates and starts a new one
func (r *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := r.Remove(ctx, spec.Name); err != nil {
		return err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	for _, p := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		cfg.ExposedPorts[port] = struct{}{}
		hostCfg.PortBindings[port] = append(hostCfg.PortBindings[port], nat.PortBinding{
			HostIP:   "127.0.0.1",
			HostPort: fmt.Sprintf("%d", p.HostPort),
		})
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Destination
		if m.ReadOnly {
			bind += ":ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, bind)
	}

	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return nil
}

// Start starts an existing container
func (r *DockerRuntime) Start(ctx context.Context, name string) error {
	if err := r.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Stop stops a container without removing it
func (r *DockerRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Remove force-removes a container and its anonymous volumes
func (r *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Inspect returns the state of a container
func (r *DockerRuntime) Inspect(ctx context.Context, name string) (*Container, error) {
	info, err := r.client.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	c := &Container{
		Name:  strings.TrimPrefix(info.Name, "/"),
		State: ContainerStateUnknown,
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if info.State != nil {
		c.State = dockerState(info.State.Status)
	}
	return c, nil
}

// List returns containers, running or not, that carry all labels
func (r *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Container{
			Name:   name,
			Image:  c.Image,
			State:  dockerState(c.State),
			Labels: c.Labels,
		})
	}
	return out, nil
}

// Exec runs cmd in a container and collects its output and exit code
func (r *DockerRuntime) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	created, err := r.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return ExecResult{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return ExecResult{}, fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attach, err := r.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("failed to read exec output from %s: %w", name, err)
	}

	inspect, err := r.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec in %s: %w", name, err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func dockerState(status string) ContainerState {
	switch status {
	case "running", "paused":
		return ContainerStateRunning
	case "created", "exited":
		return ContainerStateStopped
	case "dead", "removing", "restarting":
		return ContainerStateFailed
	default:
		return ContainerStateUnknown
	}
}
