package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Labels attached to every container switchyard creates
const (
	LabelApp         = "io.switchyard.app"
	LabelEnvironment = "io.switchyard.environment"
	LabelService     = "io.switchyard.service"
	LabelVersion     = "io.switchyard.version"
	LabelRole        = "io.switchyard.role"
)

// ErrNotFound is returned when a named container does not exist
var ErrNotFound = errors.New("container not found")

// ContainerState is the coarse lifecycle state of a container
type ContainerState string

const (
	ContainerStateRunning ContainerState = "running"
	ContainerStateStopped ContainerState = "stopped"
	ContainerStateFailed  ContainerState = "failed"
	ContainerStateUnknown ContainerState = "unknown"
)

// PortBinding publishes a container port on the host
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// Mount bind-mounts a host path into the container
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerSpec describes a container to run
type ContainerSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Labels map[string]string
	Ports  []PortBinding
	Mounts []Mount
}

// Container is the observed state of a container
type Container struct {
	Name   string
	Image  string
	State  ContainerState
	Labels map[string]string
}

// ExecResult is the outcome of a command run inside a container
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the container runtime collaborator. Implementations treat
// Stop and Remove of a missing container as success.
type Runtime interface {
	// PullImage fetches an image so that Run does not block on the registry
	PullImage(ctx context.Context, ref string) error

	// Run replaces any container with the same name and starts a new one
	Run(ctx context.Context, spec ContainerSpec) error

	// Start starts an existing, stopped container
	Start(ctx context.Context, name string) error

	// Stop stops a container, keeping it for later restart
	Stop(ctx context.Context, name string, timeout time.Duration) error

	// Remove stops and deletes a container
	Remove(ctx context.Context, name string) error

	// Inspect returns the container's state or ErrNotFound
	Inspect(ctx context.Context, name string) (*Container, error)

	// List returns containers carrying all of the given labels
	List(ctx context.Context, labels map[string]string) ([]Container, error)

	// Exec runs cmd inside a running container
	Exec(ctx context.Context, name string, cmd []string) (ExecResult, error)

	Close() error
}

// Options selects and configures a runtime backend
type Options struct {
	Backend          string
	DockerHost       string
	ContainerdSocket string
}

// New connects to the configured runtime backend
func New(opts Options) (Runtime, error) {
	switch opts.Backend {
	case "", "docker":
		return NewDockerRuntime(opts.DockerHost)
	case "containerd":
		return NewContainerdRuntime(opts.ContainerdSocket)
	default:
		return nil, fmt.Errorf("unsupported runtime %q", opts.Backend)
	}
}

// IsRunning reports whether the named container exists and is running
func IsRunning(ctx context.Context, rt Runtime, name string) bool {
	c, err := rt.Inspect(ctx, name)
	if err != nil {
		return false
	}
	return c.State == ContainerStateRunning
}
