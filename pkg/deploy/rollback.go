package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/events"
	"github.com/cuemby/switchyard/pkg/health"
	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/traffic"
	"github.com/cuemby/switchyard/pkg/types"
)

// RollbackController returns traffic to a known environment. It never
// switches to an environment that fails its health gate, and it never
// deletes the environment traffic is taken from; that one is stopped.
type RollbackController struct {
	opts     Options
	envs     *Environments
	probes   Probes
	switcher Switcher
	prober   *health.Prober
	registry registry
	events   *events.Broker
	logger   zerolog.Logger
}

// NewRollbackController creates a rollback controller
func NewRollbackController(opts Options, deps Dependencies) *RollbackController {
	logger := log.WithComponent("rollback")
	return &RollbackController{
		opts:     opts,
		envs:     deps.Environments,
		probes:   deps.Probes,
		switcher: deps.Switch,
		prober:   health.NewProber(),
		registry: registry{store: deps.Store, now: time.Now, logger: logger},
		events:   deps.Events,
		logger:   logger,
	}
}

// Rollback moves traffic to `to` and verifies it. It is idempotent: rolling
// back to the environment that is already active re-verifies it and stops
// the other one. Failures are returned as *Error.
func (c *RollbackController) Rollback(ctx context.Context, to types.Environment) error {
	if !to.Valid() {
		return &Error{State: types.ReleaseStateRollingBack, Traffic: types.TrafficNeverMoved, Err: ErrNoRollbackTarget}
	}
	logger := c.logger.With().Str("to", string(to)).Logger()
	logger.Info().Msg("Rolling back")

	fail := func(outcome types.TrafficOutcome, err error) error {
		ev := logger.Error().Err(err).Str("traffic", string(outcome))
		if outcome == types.TrafficRollbackFailed {
			ev = ev.Bool("manual_intervention", true)
		}
		ev.Msg("Rollback failed")
		return &Error{State: types.ReleaseStateRollingBack, Traffic: outcome, Err: err}
	}

	if err := c.envs.Resume(ctx, to); err != nil {
		return fail(types.TrafficNeverMoved, err)
	}

	if err := gate(ctx, c.prober, c.probes.Direct(to), c.opts.Health); err != nil {
		c.registry.set(to, types.EnvironmentStatusFailed, "")
		return fail(types.TrafficNeverMoved, fmt.Errorf("refusing to switch traffic to %s: %w", to, err))
	}

	if err := c.switcher.Switch(ctx, to); err != nil {
		outcome := types.TrafficNeverMoved
		if errors.Is(err, traffic.ErrRevertFailed) {
			outcome = types.TrafficRollbackFailed
		}
		return fail(outcome, err)
	}
	c.registry.set(to, types.EnvironmentStatusActive, "")
	c.events.Publish(&events.Event{
		Type:     events.EventTrafficSwitched,
		Message:  fmt.Sprintf("Traffic rolled back to %s", to),
		Metadata: map[string]string{"to": string(to)},
	})

	if err := gate(ctx, c.prober, []Target{c.probes.Public(to)}, c.opts.PostSwitch); err != nil {
		return fail(types.TrafficRollbackFailed, fmt.Errorf("%s unhealthy after switch: %w", to, err))
	}

	from := to.Opposite()
	if err := c.envs.Stop(ctx, from); err != nil {
		logger.Warn().Err(err).Str("from", string(from)).Msg("Failed to stop environment")
	} else {
		c.registry.set(from, types.EnvironmentStatusStopped, "")
	}

	logger.Info().Msg("Rollback complete")
	return nil
}
