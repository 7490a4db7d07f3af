package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/config"
	"github.com/cuemby/switchyard/pkg/events"
	"github.com/cuemby/switchyard/pkg/health"
	"github.com/cuemby/switchyard/pkg/locator"
	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/storage"
	"github.com/cuemby/switchyard/pkg/traffic"
	"github.com/cuemby/switchyard/pkg/types"
)

// Locator finds the active environment
type Locator interface {
	Locate(ctx context.Context) (*locator.Detection, error)
}

// Switcher is the traffic switch
type Switcher interface {
	Switch(ctx context.Context, to types.Environment) error
	Current() (types.Environment, error)
}

// Options configures the health gates of a release
type Options struct {
	// Health gates the target before the switch, probing each service directly
	Health health.Config
	// PostSwitch probes the public URL after the switch; StartPeriod is the settle time
	PostSwitch health.Config
}

// OptionsFromConfig derives Options from the process configuration
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Health: health.Config{
			Retries:  cfg.Health.Retries,
			Interval: cfg.Health.Interval,
			Timeout:  cfg.Health.Timeout,
		},
		PostSwitch: health.Config{
			Retries:     cfg.Release.PostSwitchRetries,
			Interval:    cfg.Health.Interval,
			Timeout:     cfg.Health.Timeout,
			StartPeriod: cfg.Release.SettlePeriod,
		},
	}
}

// Dependencies are the collaborators of the orchestrator
type Dependencies struct {
	Store        storage.Store
	Locator      Locator
	Environments *Environments
	Probes       Probes
	Switch       Switcher
	Locker       Locker
	// Events receives progress notifications; may be nil
	Events *events.Broker
}

// Orchestrator drives a release from detection to a terminal state
type Orchestrator struct {
	opts     Options
	deps     Dependencies
	prober   *health.Prober
	rollback *RollbackController
	registry registry
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates an orchestrator
func New(opts Options, deps Dependencies) *Orchestrator {
	logger := log.WithComponent("deploy")
	return &Orchestrator{
		opts:     opts,
		deps:     deps,
		prober:   health.NewProber(),
		rollback: NewRollbackController(opts, deps),
		registry: registry{store: deps.Store, now: time.Now, logger: logger},
		now:      time.Now,
		logger:   logger,
	}
}

// Release promotes version to the standby environment. The returned Release
// is terminal. A non-nil error is a *Error unless the release lock could not
// be taken, in which case no Release is returned.
func (o *Orchestrator) Release(ctx context.Context, version string) (*types.Release, error) {
	if version == "" {
		return nil, errors.New("version is required")
	}

	unlock, err := o.deps.Locker.Acquire(ctx)
	if err != nil {
		return nil, &Error{State: types.ReleaseStateIdle, Traffic: types.TrafficNeverMoved, Err: err}
	}
	defer unlock()

	now := o.now()
	r := &types.Release{
		ID:          uuid.New().String(),
		Version:     version,
		State:       types.ReleaseStateIdle,
		StartedAt:   now,
		Transitions: []types.Transition{{State: types.ReleaseStateIdle, At: now}},
	}
	logger := log.WithReleaseID(r.ID).With().Str("version", version).Logger()
	if err := o.deps.Store.CreateRelease(r); err != nil {
		return nil, &Error{State: types.ReleaseStateIdle, Traffic: types.TrafficNeverMoved, Err: fmt.Errorf("failed to record release: %w", err)}
	}

	o.transition(r, logger, types.ReleaseStateDetecting)
	det, err := o.deps.Locator.Locate(ctx)
	if err != nil {
		return r, o.abort(ctx, r, logger, err)
	}
	r.Source, r.Target = det.Active, det.Target
	logger = logger.With().Str("source", string(r.Source)).Str("target", string(r.Target)).Logger()

	o.transition(r, logger, types.ReleaseStatePulling)
	if err := o.deps.Environments.Pull(ctx, version); err != nil {
		return r, o.abort(ctx, r, logger, err)
	}

	o.transition(r, logger, types.ReleaseStateStarting)
	o.registry.set(r.Target, types.EnvironmentStatusStarting, version)
	if err := o.deps.Environments.Start(ctx, r.Target, version); err != nil {
		return r, o.abort(ctx, r, logger, err)
	}

	o.transition(r, logger, types.ReleaseStateHealthGating)
	if err := gate(ctx, o.prober, o.deps.Probes.Direct(r.Target), o.opts.Health); err != nil {
		return r, o.abort(ctx, r, logger, err)
	}
	o.registry.set(r.Target, types.EnvironmentStatusHealthy, "")

	// Past this point the release runs to a terminal state even if ctx is cancelled
	ctx = context.WithoutCancel(ctx)

	o.transition(r, logger, types.ReleaseStateSwitching)
	if err := o.deps.Switch.Switch(ctx, r.Target); err != nil {
		if errors.Is(err, traffic.ErrRevertFailed) {
			return r, o.rollBack(ctx, r, logger, err)
		}
		return r, o.abort(ctx, r, logger, err)
	}
	o.registry.set(r.Target, types.EnvironmentStatusActive, "")
	o.registry.set(r.Source, types.EnvironmentStatusHealthy, "")

	o.transition(r, logger, types.ReleaseStatePostSwitchMonitoring)
	if err := gate(ctx, o.prober, []Target{o.deps.Probes.Public(r.Target)}, o.opts.PostSwitch); err != nil {
		return r, o.rollBack(ctx, r, logger, err)
	}

	o.transition(r, logger, types.ReleaseStateDecommissioning)
	msg := fmt.Sprintf("%s is active", r.Target)
	if r.Source != "" {
		if err := o.deps.Environments.Stop(ctx, r.Source); err != nil {
			// Traffic is already on the target; a running standby only costs resources
			logger.Warn().Err(err).Msg("Failed to stop previous environment")
			msg += fmt.Sprintf(", failed to stop %s: %v", r.Source, err)
		} else {
			o.registry.set(r.Source, types.EnvironmentStatusStopped, "")
			msg += fmt.Sprintf(", %s stopped", r.Source)
		}
	}

	o.finish(r, logger, types.ReleaseStateSucceeded, types.OutcomeSucceeded, "", msg)
	return r, nil
}

// Rollback runs the rollback controller under the release lock
func (o *Orchestrator) Rollback(ctx context.Context, to types.Environment) error {
	unlock, err := o.deps.Locker.Acquire(ctx)
	if err != nil {
		return &Error{State: types.ReleaseStateIdle, Traffic: types.TrafficNeverMoved, Err: err}
	}
	defer unlock()
	return o.rollback.Rollback(ctx, to)
}

// Switch moves traffic to an environment that passes its health gate,
// leaving the other environment running
func (o *Orchestrator) Switch(ctx context.Context, to types.Environment) error {
	if !to.Valid() {
		return fmt.Errorf("invalid environment %q", to)
	}
	unlock, err := o.deps.Locker.Acquire(ctx)
	if err != nil {
		return &Error{State: types.ReleaseStateIdle, Traffic: types.TrafficNeverMoved, Err: err}
	}
	defer unlock()

	logger := o.logger.With().Str("to", string(to)).Logger()
	if err := o.deps.Environments.Resume(ctx, to); err != nil {
		return &Error{State: types.ReleaseStateStarting, Traffic: types.TrafficNeverMoved, Err: err}
	}
	if err := gate(ctx, o.prober, o.deps.Probes.Direct(to), o.opts.Health); err != nil {
		return &Error{State: types.ReleaseStateHealthGating, Traffic: types.TrafficNeverMoved, Err: err}
	}

	from, _ := o.deps.Switch.Current()
	if err := o.deps.Switch.Switch(context.WithoutCancel(ctx), to); err != nil {
		outcome := types.TrafficNeverMoved
		if errors.Is(err, traffic.ErrRevertFailed) {
			outcome = types.TrafficRollbackFailed
		}
		return &Error{State: types.ReleaseStateSwitching, Traffic: outcome, Err: err}
	}

	o.registry.set(to, types.EnvironmentStatusActive, "")
	if from != "" && from != to {
		o.registry.set(from, types.EnvironmentStatusHealthy, "")
	}
	logger.Info().Str("from", string(from)).Msg("Traffic switched manually")
	o.deps.Events.Publish(&events.Event{
		Type:     events.EventTrafficSwitched,
		Message:  fmt.Sprintf("Traffic switched to %s", to),
		Metadata: map[string]string{"from": string(from), "to": string(to)},
	})
	return nil
}

// abort ends a release whose traffic never moved. The target is torn down
// once containers may have been created for it.
func (o *Orchestrator) abort(ctx context.Context, r *types.Release, logger zerolog.Logger, cause error) error {
	failedIn := r.State
	ctx = context.WithoutCancel(ctx)

	switch failedIn {
	case types.ReleaseStateStarting, types.ReleaseStateHealthGating, types.ReleaseStateSwitching:
		if err := o.deps.Environments.Remove(ctx, r.Target); err != nil {
			logger.Error().Err(err).Msg("Failed to tear down target environment")
		} else {
			logger.Info().Msg("Target environment torn down")
		}
		o.registry.set(r.Target, types.EnvironmentStatusAbsent, "")
	}

	logger.Error().Err(cause).Str("state", string(failedIn)).Msg("Release failed before traffic moved")
	o.finish(r, logger, types.ReleaseStateFailed, types.OutcomeFailed, types.TrafficNeverMoved, cause.Error())
	return &Error{State: failedIn, Traffic: types.TrafficNeverMoved, Err: cause}
}

// rollBack returns traffic to the release's source after a live cutover
func (o *Orchestrator) rollBack(ctx context.Context, r *types.Release, logger zerolog.Logger, cause error) error {
	failedIn := r.State
	logger.Warn().Err(cause).Str("state", string(failedIn)).Msg("Release failed after traffic moved, rolling back")
	o.transition(r, logger, types.ReleaseStateRollingBack)

	var err error
	if r.Source == "" {
		err = ErrNoRollbackTarget
	} else {
		err = o.rollback.Rollback(ctx, r.Source)
	}
	if err != nil {
		logger.Error().Err(err).Bool("manual_intervention", true).Msg("Rollback failed")
		o.finish(r, logger, types.ReleaseStateFailed, types.OutcomeFailed, types.TrafficRollbackFailed,
			fmt.Sprintf("%v; rollback failed: %v", cause, err))
		return &Error{State: types.ReleaseStateRollingBack, Traffic: types.TrafficRollbackFailed, Err: errors.Join(cause, err)}
	}

	o.registry.set(r.Target, types.EnvironmentStatusFailed, "")
	o.finish(r, logger, types.ReleaseStateFailed, types.OutcomeRolledBack, types.TrafficRolledBack,
		fmt.Sprintf("%v; rolled back to %s", cause, r.Source))
	return &Error{State: failedIn, Traffic: types.TrafficRolledBack, Err: cause}
}

func (o *Orchestrator) transition(r *types.Release, logger zerolog.Logger, state types.ReleaseState) {
	from := r.State
	r.State = state
	r.Transitions = append(r.Transitions, types.Transition{State: state, At: o.now()})
	logger.Info().Str("from", string(from)).Str("to", string(state)).Msg("Release state changed")
	if err := o.deps.Store.UpdateRelease(r); err != nil {
		logger.Warn().Err(err).Msg("Failed to record release state")
	}

	ev := &events.Event{
		ID:        r.ID,
		Type:      events.EventReleaseState,
		Timestamp: o.now(),
		Message:   describeState(r, state),
		Metadata:  map[string]string{"release_id": r.ID, "state": string(state)},
	}
	if state.Terminal() {
		ev.Type = events.EventReleaseFinished
		ev.Metadata["outcome"] = string(r.Outcome)
		ev.Metadata["traffic"] = string(r.Traffic)
	}
	o.deps.Events.Publish(ev)
}

// describeState is the progress line shown when a release enters state
func describeState(r *types.Release, state types.ReleaseState) string {
	switch state {
	case types.ReleaseStateDetecting:
		return "Detecting the active environment"
	case types.ReleaseStatePulling:
		return fmt.Sprintf("Pulling %s", r.Version)
	case types.ReleaseStateStarting:
		return fmt.Sprintf("Starting %s in %s", r.Version, r.Target)
	case types.ReleaseStateHealthGating:
		return fmt.Sprintf("Waiting for %s to become healthy", r.Target)
	case types.ReleaseStateSwitching:
		return fmt.Sprintf("Switching traffic to %s", r.Target)
	case types.ReleaseStatePostSwitchMonitoring:
		return fmt.Sprintf("Monitoring %s after the switch", r.Target)
	case types.ReleaseStateDecommissioning:
		return "Stopping the previous environment"
	case types.ReleaseStateRollingBack:
		return fmt.Sprintf("Rolling back to %s", r.Source)
	default:
		return r.Message
	}
}

func (o *Orchestrator) finish(r *types.Release, logger zerolog.Logger, state types.ReleaseState, outcome types.Outcome, trafficOutcome types.TrafficOutcome, msg string) {
	r.Outcome = outcome
	r.Traffic = trafficOutcome
	r.Message = msg
	r.FinishedAt = o.now()
	o.transition(r, logger, state)
}
