// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/switchyard/pkg/runtime"
)

// ExecFunc produces the result of an Exec call
type ExecFunc func(name string, cmd []string) (runtime.ExecResult, error)

// Fake is an in-memory runtime. Errors can be injected per operation and
// container name; every call is recorded in Calls.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*runtime.Container
	specs      map[string]runtime.ContainerSpec

	// PullErr fails PullImage for the given image reference
	PullErr map[string]error
	// RunErr fails Run for the given container name
	RunErr map[string]error
	// StartErr fails Start for the given container name
	StartErr map[string]error
	// RemoveErr fails Remove for the given container name
	RemoveErr map[string]error
	// ExecFn handles Exec; nil returns exit code 0
	ExecFn ExecFunc

	Calls []string
}

// New returns an empty fake runtime
func New() *Fake {
	return &Fake{
		containers: make(map[string]*runtime.Container),
		specs:      make(map[string]runtime.ContainerSpec),
		PullErr:    make(map[string]error),
		RunErr:     make(map[string]error),
		StartErr:   make(map[string]error),
		RemoveErr:  make(map[string]error),
	}
}

// Seed registers an existing container
func (f *Fake) Seed(name, image string, state runtime.ContainerState, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &runtime.Container{Name: name, Image: image, State: state, Labels: labels}
}

// State returns the state of a container, or "" when it does not exist
func (f *Fake) State(name string) runtime.ContainerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		return c.State
	}
	return ""
}

// Exists reports whether a container exists
func (f *Fake) Exists(name string) bool {
	return f.State(name) != ""
}

// Names returns the names of all existing containers
func (f *Fake) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.containers))
	for n := range f.containers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Spec returns the spec a container was last run with
func (f *Fake) Spec(name string) (runtime.ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[name]
	return s, ok
}

func (f *Fake) record(format string, args ...interface{}) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *Fake) PullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull %s", ref)
	return f.PullErr[ref]
}

func (f *Fake) Run(ctx context.Context, spec runtime.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run %s", spec.Name)
	if err := f.RunErr[spec.Name]; err != nil {
		return err
	}
	f.containers[spec.Name] = &runtime.Container{
		Name:   spec.Name,
		Image:  spec.Image,
		State:  runtime.ContainerStateRunning,
		Labels: spec.Labels,
	}
	f.specs[spec.Name] = spec
	return nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %s", name)
	if err := f.StartErr[name]; err != nil {
		return err
	}
	c, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
	}
	c.State = runtime.ContainerStateRunning
	return nil
}

func (f *Fake) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", name)
	if c, ok := f.containers[name]; ok {
		c.State = runtime.ContainerStateStopped
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s", name)
	if err := f.RemoveErr[name]; err != nil {
		return err
	}
	delete(f.containers, name)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, name string) (*runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) List(ctx context.Context, labels map[string]string) ([]runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.Container
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Exec(ctx context.Context, name string, cmd []string) (runtime.ExecResult, error) {
	f.mu.Lock()
	f.record("exec %s %v", name, cmd)
	_, ok := f.containers[name]
	fn := f.ExecFn
	f.mu.Unlock()

	if !ok {
		return runtime.ExecResult{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
	}
	if fn == nil {
		return runtime.ExecResult{}, nil
	}
	return fn(name, cmd)
}

func (f *Fake) Close() error {
	return nil
}

var _ runtime.Runtime = (*Fake)(nil)
