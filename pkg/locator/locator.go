// Package locator determines which environment serves production traffic.
//
// The registry in pkg/storage is the primary record. Live container state is
// consulted on every call to bootstrap missing records and to reconcile
// records that drifted (for example after a host reboot or a manual docker
// command). The proxy's routing rule breaks ties when both environments are
// running.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/runtime"
	"github.com/cuemby/switchyard/pkg/storage"
	"github.com/cuemby/switchyard/pkg/traffic"
	"github.com/cuemby/switchyard/pkg/types"
)

// TrafficReader reads the environment named by the live routing rule
type TrafficReader interface {
	Current() (types.Environment, error)
}

// Observation is the live state of one environment's containers
type Observation struct {
	Env        types.Environment
	Containers int
	Running    int
	Failed     int
	Version    string
}

// IsRunning reports whether the environment has containers and all of them run
func (o Observation) IsRunning() bool {
	return o.Containers > 0 && o.Running == o.Containers
}

// Status maps the observation to a registry status for a non-active environment
func (o Observation) Status() types.EnvironmentStatus {
	switch {
	case o.Containers == 0:
		return types.EnvironmentStatusAbsent
	case o.Failed > 0:
		return types.EnvironmentStatusFailed
	case o.IsRunning():
		return types.EnvironmentStatusHealthy
	default:
		return types.EnvironmentStatusStopped
	}
}

// Detection is the result of Locate
type Detection struct {
	// Active is the environment serving traffic; empty before the first release
	Active types.Environment
	// Target is the environment the next release goes to
	Target types.Environment
	// Ambiguous is set when both environments appeared active
	Ambiguous bool
	// Rule is the environment named by the routing rule, if any
	Rule         types.Environment
	Observations map[types.Environment]Observation
}

// Locator finds the active environment
type Locator struct {
	app     string
	store   storage.Store
	runtime runtime.Runtime
	traffic TrafficReader
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates a locator for the containers of app
func New(app string, store storage.Store, rt runtime.Runtime, tr TrafficReader) *Locator {
	return &Locator{
		app:     app,
		store:   store,
		runtime: rt,
		traffic: tr,
		now:     time.Now,
		logger:  log.WithComponent("locator"),
	}
}

// Observe lists the containers of both environments
func (l *Locator) Observe(ctx context.Context) (map[types.Environment]Observation, error) {
	obs := make(map[types.Environment]Observation, len(types.Environments))
	for _, env := range types.Environments {
		containers, err := l.runtime.List(ctx, map[string]string{
			runtime.LabelApp:         l.app,
			runtime.LabelEnvironment: string(env),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s containers: %w", env, err)
		}

		o := Observation{Env: env, Containers: len(containers)}
		for _, c := range containers {
			switch c.State {
			case runtime.ContainerStateRunning:
				o.Running++
			case runtime.ContainerStateFailed:
				o.Failed++
			}
			if v := c.Labels[runtime.LabelVersion]; v != "" {
				o.Version = v
			}
		}
		obs[env] = o
	}
	return obs, nil
}

// Locate decides the active environment and reconciles the registry with it.
// When both environments are running the one named by the routing rule wins,
// and Blue when there is no rule; the ambiguity is logged, never fatal.
func (l *Locator) Locate(ctx context.Context) (*Detection, error) {
	obs, err := l.Observe(ctx)
	if err != nil {
		return nil, err
	}

	rule, err := l.traffic.Current()
	if err != nil && !errors.Is(err, traffic.ErrNoRule) {
		return nil, err
	}

	d := &Detection{Rule: rule, Observations: obs}
	blue, green := obs[types.EnvironmentBlue].IsRunning(), obs[types.EnvironmentGreen].IsRunning()

	switch {
	case blue && green:
		d.Ambiguous = true
		d.Active = types.EnvironmentBlue
		if rule != "" {
			d.Active = rule
		}
		l.logger.Warn().
			Str("chosen", string(d.Active)).
			Str("rule", string(rule)).
			Msg("Both environments appear active, choosing one")
	case blue:
		d.Active = types.EnvironmentBlue
	case green:
		d.Active = types.EnvironmentGreen
	case rule != "":
		// Nothing runs; the rule still says where traffic is meant to go
		d.Active = rule
		l.logger.Warn().Str("rule", string(rule)).Msg("Active environment is not running")
	default:
		d.Active, err = l.activeFromRegistry()
		if err != nil {
			return nil, err
		}
	}

	if rule != "" && d.Active != rule {
		l.logger.Warn().
			Str("active", string(d.Active)).
			Str("rule", string(rule)).
			Msg("Routing rule points at a different environment than the one running")
	}

	if d.Active == "" {
		d.Target = types.EnvironmentBlue
	} else {
		d.Target = d.Active.Opposite()
	}

	if err := l.reconcile(d); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("active", string(d.Active)).
		Str("target", string(d.Target)).
		Bool("ambiguous", d.Ambiguous).
		Msg("Located environments")
	return d, nil
}

func (l *Locator) activeFromRegistry() (types.Environment, error) {
	recs, err := l.store.ListEnvironments()
	if err != nil {
		return "", fmt.Errorf("failed to read registry: %w", err)
	}
	for _, rec := range recs {
		if rec.Status == types.EnvironmentStatusActive {
			return rec.Name, nil
		}
	}
	return "", nil
}

// reconcile brings registry records in line with the detection
func (l *Locator) reconcile(d *Detection) error {
	for _, env := range types.Environments {
		o := d.Observations[env]
		status := o.Status()
		if env == d.Active && o.Containers > 0 {
			status = types.EnvironmentStatusActive
		}

		logger := log.WithEnvironment(l.logger, string(env))
		rec, err := l.store.GetEnvironment(env)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to read registry: %w", err)
		}
		if rec == nil {
			rec = &types.EnvironmentRecord{Name: env}
			logger.Info().
				Str("status", string(status)).
				Msg("Bootstrapping registry record from running infrastructure")
		} else if keep(rec.Status, status) && (o.Version == "" || rec.Version == o.Version) {
			continue
		} else {
			logger.Warn().
				Str("recorded", string(rec.Status)).
				Str("observed", string(status)).
				Msg("Reconciling registry record")
		}

		if !keep(rec.Status, status) {
			rec.Status = status
			rec.Since = l.now()
		}
		if o.Version != "" {
			rec.Version = o.Version
		}
		if err := l.store.PutEnvironment(rec); err != nil {
			return fmt.Errorf("failed to update registry: %w", err)
		}
	}
	return nil
}

// keep reports whether a recorded status is consistent with the observed one
func keep(recorded, observed types.EnvironmentStatus) bool {
	if recorded == observed {
		return true
	}
	switch observed {
	case types.EnvironmentStatusAbsent:
		return recorded == types.EnvironmentStatusDecommissioned || recorded == types.EnvironmentStatusFailed
	case types.EnvironmentStatusStopped:
		// A rolled-back environment stays stopped but keeps its failed mark
		return recorded == types.EnvironmentStatusFailed
	case types.EnvironmentStatusHealthy:
		// A standby that is up but not yet probed is still starting
		return recorded == types.EnvironmentStatusStarting
	}
	return false
}
