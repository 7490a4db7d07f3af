package deploy

import (
	"fmt"

	"github.com/cuemby/switchyard/pkg/config"
	"github.com/cuemby/switchyard/pkg/health"
	"github.com/cuemby/switchyard/pkg/runtime"
	"github.com/cuemby/switchyard/pkg/traffic"
	"github.com/cuemby/switchyard/pkg/types"
)

// Target is a named health check
type Target struct {
	Name    string
	Checker health.Checker
}

// Probes builds the health checks of an environment
type Probes interface {
	// Direct checks every service of env on its own port, bypassing the proxy
	Direct(env types.Environment) []Target
	// Public checks env through the proxy's public URL
	Public(env types.Environment) Target
}

// DeploymentProbes derives checks from the deploy file
type DeploymentProbes struct {
	deployment config.Deployment
	runtime    runtime.Runtime
}

// NewDeploymentProbes creates probes for deployment
func NewDeploymentProbes(deployment config.Deployment, rt runtime.Runtime) *DeploymentProbes {
	return &DeploymentProbes{deployment: deployment, runtime: rt}
}

// Direct implements Probes
func (p *DeploymentProbes) Direct(env types.Environment) []Target {
	d := p.deployment
	targets := make([]Target, 0, len(d.Services))
	for i, svc := range d.Services {
		addr := fmt.Sprintf("127.0.0.1:%d", d.HostPort(env, i))
		container := d.ContainerName(env, svc.Name)

		var checker health.Checker
		switch health.CheckType(svc.HealthCheck) {
		case health.CheckTypeTCP:
			checker = health.NewTCPChecker(addr)
		case health.CheckTypeExec:
			checker = health.NewExecChecker(p.runtime, container, svc.HealthCommand)
		default:
			checker = health.NewHTTPChecker("http://" + addr + svc.HealthPath)
		}
		targets = append(targets, Target{Name: container, Checker: checker})
	}
	return targets
}

// Public implements Probes. The response must name env in the active header,
// so a stale proxy that still routes to the other environment fails the check.
func (p *DeploymentProbes) Public(env types.Environment) Target {
	url := p.deployment.Proxy.PublicURL
	return Target{
		Name:    url,
		Checker: health.NewHTTPChecker(url).ServedBy(env),
	}
}

// Routes returns the proxy upstreams of env
func Routes(d config.Deployment) func(env types.Environment) []traffic.Route {
	return func(env types.Environment) []traffic.Route {
		routes := make([]traffic.Route, 0, len(d.Services))
		for i, svc := range d.Services {
			if svc.Port == 0 {
				continue
			}
			routes = append(routes, traffic.Route{
				Upstream: d.App + "_" + svc.Name,
				Address:  fmt.Sprintf("%s:%d", d.Proxy.UpstreamHost, d.HostPort(env, i)),
			})
		}
		return routes
	}
}
