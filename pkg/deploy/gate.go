package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/health"
	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/storage"
	"github.com/cuemby/switchyard/pkg/types"
)

// gate probes every target in order and fails on the first unhealthy one
func gate(ctx context.Context, prober *health.Prober, targets []Target, cfg health.Config) error {
	for _, t := range targets {
		res := prober.Probe(ctx, t.Name, t.Checker, cfg)
		if res.Healthy() {
			continue
		}
		msg := "no attempt completed"
		if last, ok := res.Last(); ok {
			msg = last.Message
		}
		return fmt.Errorf("%w: %s after %d attempts: %s", ErrTargetUnhealthy, t.Name, len(res.Attempts), msg)
	}
	return nil
}

// registry records environment status changes made by an operation
type registry struct {
	store  storage.Store
	now    func() time.Time
	logger zerolog.Logger
}

// set updates env's record. An empty version keeps the recorded one;
// Since only moves when the status changes.
func (g registry) set(env types.Environment, status types.EnvironmentStatus, version string) {
	if env == "" {
		return
	}
	rec, err := g.store.GetEnvironment(env)
	if err != nil {
		rec = &types.EnvironmentRecord{Name: env}
	}
	if rec.Status != status {
		rec.Status = status
		rec.Since = g.now()
	}
	if version != "" {
		rec.Version = version
	}
	if err := g.store.PutEnvironment(rec); err != nil {
		logger := log.WithEnvironment(g.logger, string(env))
		logger.Warn().Err(err).Msg("Failed to update registry")
	}
}
