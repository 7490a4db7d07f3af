package health

import (
	"context"
	"errors"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/retry"
	"github.com/cuemby/switchyard/pkg/types"
)

// Verdict is the binary outcome of a probe
type Verdict string

const (
	VerdictHealthy   Verdict = "healthy"
	VerdictUnhealthy Verdict = "unhealthy"
)

// ProbeResult is the outcome of a probe and every attempt it made
type ProbeResult struct {
	Target   string
	Verdict  Verdict
	Attempts []types.HealthCheckResult
}

// Healthy reports whether the probe passed
func (r ProbeResult) Healthy() bool {
	return r.Verdict == VerdictHealthy
}

// Last returns the final attempt, if any
func (r ProbeResult) Last() (types.HealthCheckResult, bool) {
	if len(r.Attempts) == 0 {
		return types.HealthCheckResult{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// Prober polls a Checker until it passes once or Retries attempts have failed
type Prober struct {
	clock  clock.Clock
	logger zerolog.Logger
}

// NewProber creates a prober driven by the wall clock
func NewProber() *Prober {
	return &Prober{
		clock:  clock.WallClock,
		logger: log.WithComponent("health"),
	}
}

// WithClock returns a prober whose delays are driven by c
func (p *Prober) WithClock(c clock.Clock) *Prober {
	cp := *p
	cp.clock = c
	return &cp
}

// Probe checks target with checker. The first healthy attempt returns
// VerdictHealthy immediately; VerdictUnhealthy is returned only after
// cfg.Retries consecutive failures. Each attempt is bounded by cfg.Timeout.
func (p *Prober) Probe(ctx context.Context, target string, checker Checker, cfg Config) ProbeResult {
	result := ProbeResult{Target: target, Verdict: VerdictUnhealthy}

	if cfg.StartPeriod > 0 {
		select {
		case <-p.clock.After(cfg.StartPeriod):
		case <-ctx.Done():
			return result
		}
	}

	policy := retry.Fixed(cfg.Retries, cfg.Interval).WithClock(p.clock)
	err := policy.Do(ctx, func(attempt int) error {
		attemptCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		res := checker.Check(attemptCtx)
		result.Attempts = append(result.Attempts, types.HealthCheckResult{
			Target:    target,
			Attempt:   attempt,
			Healthy:   res.Healthy,
			Message:   res.Message,
			CheckedAt: res.CheckedAt,
			Latency:   res.Duration,
		})

		if !res.Healthy {
			return errors.New(res.Message)
		}
		return nil
	}, func(err error, attempt int) {
		p.logger.Debug().
			Str("target", target).
			Int("attempt", attempt).
			Int("retries", cfg.Retries).
			Str("check", string(checker.Type())).
			Msg(err.Error())
	})

	if err == nil {
		result.Verdict = VerdictHealthy
		p.logger.Info().
			Str("target", target).
			Int("attempts", len(result.Attempts)).
			Msg("Target is healthy")
		return result
	}

	p.logger.Warn().
		Str("target", target).
		Int("attempts", len(result.Attempts)).
		Err(err).
		Msg("Target is unhealthy")
	return result
}
