package runtime

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for switchyard
	DefaultNamespace = "switchyard"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime using containerd.
// Containers share the host network namespace, so published ports are
// passed to the application as PORT instead of being mapped.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// PullImage pulls a container image from a registry
func (r *ContainerdRuntime) PullImage(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// Run replaces any container named spec.Name and starts a new task for it
func (r *ContainerdRuntime) Run(ctx context.Context, spec ContainerSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if err := r.Remove(ctx, spec.Name); err != nil {
		return err
	}

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	env := append([]string{}, spec.Env...)
	if len(spec.Ports) > 0 {
		env = append(env, "PORT="+strconv.Itoa(spec.Ports[0].HostPort))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(spec.Cmd) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Cmd...))
	}
	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			} else {
				options = append(options, "rw")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	_, err = r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	return r.Start(ctx, spec.Name)
}

// Start creates and starts a task for an existing container
func (r *ContainerdRuntime) Start(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	// A stopped task has to be deleted before a new one can be created
	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to delete stale task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Stop stops a running container
func (r *ContainerdRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Wait must be registered before the signal is sent
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Remove removes a container and its snapshot
func (r *ContainerdRuntime) Remove(ctx context.Context, name string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		// Container might not exist
		return nil
	}

	if err := r.Stop(ctx, name, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop container before delete: %w", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// Inspect returns the status of a container
func (r *ContainerdRuntime) Inspect(ctx context.Context, name string) (*Container, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to load container %s: %w", name, err)
	}

	info, err := container.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container info: %w", err)
	}

	return &Container{
		Name:   name,
		Image:  info.Image,
		State:  r.taskState(ctx, container),
		Labels: info.Labels,
	}, nil
}

// List returns containers in the switchyard namespace that carry all labels
func (r *ContainerdRuntime) List(ctx context.Context, labels map[string]string) ([]Container, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx, labelFilter(labels))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]Container, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get container info: %w", err)
		}
		out = append(out, Container{
			Name:   c.ID(),
			Image:  info.Image,
			State:  r.taskState(ctx, c),
			Labels: info.Labels,
		})
	}
	return out, nil
}

// Exec runs cmd as an additional process in the container's task
func (r *ContainerdRuntime) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ExecResult{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return ExecResult{}, fmt.Errorf("failed to load container %s: %w", name, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("container %s is not running: %w", name, err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to load spec: %w", err)
	}
	pspec := *spec.Process
	pspec.Args = cmd
	pspec.Terminal = false

	var stdout, stderr bytes.Buffer
	process, err := task.Exec(ctx, "exec-"+uuid.New().String()[:8], &pspec,
		cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to exec in %s: %w", name, err)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to wait for exec: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return ExecResult{}, fmt.Errorf("failed to start exec: %w", err)
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		_ = process.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return ExecResult{}, ctx.Err()
	}
	code, _, err := status.Result()
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec failed: %w", err)
	}

	// Let the IO copiers drain before reading the buffers
	if io := process.IO(); io != nil {
		io.Wait()
	}

	return ExecResult{
		ExitCode: int(code),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (r *ContainerdRuntime) taskState(ctx context.Context, container containerd.Container) ContainerState {
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means container is not running
		return ContainerStateStopped
	}

	status, err := task.Status(ctx)
	if err != nil {
		return ContainerStateUnknown
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return ContainerStateRunning
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return ContainerStateStopped
		}
		return ContainerStateFailed
	default:
		return ContainerStateUnknown
	}
}

// labelFilter builds a single containerd filter; comma-separated terms are ANDed
func labelFilter(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "labels.%q==%q", k, labels[k])
	}
	return buf.String()
}
