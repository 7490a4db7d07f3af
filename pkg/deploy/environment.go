package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/switchyard/pkg/config"
	"github.com/cuemby/switchyard/pkg/runtime"
	"github.com/cuemby/switchyard/pkg/types"
)

// Environments manages the containers that make up an environment
type Environments struct {
	runtime     runtime.Runtime
	deployment  config.Deployment
	stopTimeout time.Duration
}

// NewEnvironments creates an environment manager for deployment
func NewEnvironments(rt runtime.Runtime, deployment config.Deployment, stopTimeout time.Duration) *Environments {
	return &Environments{
		runtime:     rt,
		deployment:  deployment,
		stopTimeout: stopTimeout,
	}
}

// Pull fetches the images of every service at version
func (e *Environments) Pull(ctx context.Context, version string) error {
	for _, svc := range e.deployment.Services {
		if err := e.runtime.PullImage(ctx, svc.ImageRef(version)); err != nil {
			return err
		}
	}
	return nil
}

// Start replaces the containers of env with new ones running version
func (e *Environments) Start(ctx context.Context, env types.Environment, version string) error {
	for i, svc := range e.deployment.Services {
		if err := e.runtime.Run(ctx, e.spec(env, i, svc, version)); err != nil {
			return fmt.Errorf("failed to start %s in %s: %w", svc.Name, env, err)
		}
	}
	return nil
}

// Resume starts the existing, stopped containers of env
func (e *Environments) Resume(ctx context.Context, env types.Environment) error {
	for _, svc := range e.deployment.Services {
		name := e.deployment.ContainerName(env, svc.Name)
		if runtime.IsRunning(ctx, e.runtime, name) {
			continue
		}
		if err := e.runtime.Start(ctx, name); err != nil {
			if errors.Is(err, runtime.ErrNotFound) {
				return fmt.Errorf("environment %s has been removed: %w", env, err)
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
	}
	return nil
}

// Stop stops the containers of env, keeping them for a later Resume
func (e *Environments) Stop(ctx context.Context, env types.Environment) error {
	var errs []error
	for _, svc := range e.deployment.Services {
		if err := e.runtime.Stop(ctx, e.deployment.ContainerName(env, svc.Name), e.stopTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Remove deletes the containers of env. Every container is attempted even
// when an earlier one fails.
func (e *Environments) Remove(ctx context.Context, env types.Environment) error {
	var errs []error
	for _, svc := range e.deployment.Services {
		if err := e.runtime.Remove(ctx, e.deployment.ContainerName(env, svc.Name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Environments) spec(env types.Environment, i int, svc config.Service, version string) runtime.ContainerSpec {
	d := e.deployment

	vars := make([]string, 0, len(svc.Env)+2)
	for k, v := range svc.Env {
		vars = append(vars, k+"="+v)
	}
	sort.Strings(vars)
	vars = append(vars, "SWITCHYARD_ENVIRONMENT="+string(env), "SWITCHYARD_VERSION="+version)

	spec := runtime.ContainerSpec{
		Name:  d.ContainerName(env, svc.Name),
		Image: svc.ImageRef(version),
		Env:   vars,
		Labels: map[string]string{
			runtime.LabelApp:         d.App,
			runtime.LabelEnvironment: string(env),
			runtime.LabelService:     svc.Name,
			runtime.LabelVersion:     version,
			runtime.LabelRole:        "service",
		},
	}
	if svc.Port > 0 {
		spec.Ports = []runtime.PortBinding{{HostPort: d.HostPort(env, i), ContainerPort: svc.Port}}
	}
	return spec
}
