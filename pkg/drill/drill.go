// Package drill runs backup restore drills.
//
// A drill proves that the latest backup can be restored within the recovery
// time objective (RTO) and that it is recent enough for the recovery point
// objective (RPO):
//
//  1. Find the newest backup; its age is the RPO (a miss is only a warning)
//  2. Provision an isolated, uniquely named database
//  3. Restore the backup into it; the restore time is the RTO (a miss fails)
//  4. Count tables and rows of the sanity tables; no tables fails
//  5. Destroy the database and delete the download, whatever happened
//  6. Record and report the result
package drill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/switchyard/pkg/events"
	"github.com/cuemby/switchyard/pkg/log"
	"github.com/cuemby/switchyard/pkg/types"
)

var (
	// ErrRTOExceeded is returned when the restore took longer than the RTO target
	ErrRTOExceeded = errors.New("restore exceeded RTO target")

	// ErrNoTables is returned when the restored database has no tables
	ErrNoTables = errors.New("restored database has no tables")
)

// workDirPrefix names the per-drill download directories
const workDirPrefix = "switchyard-drill-"

// Backups finds and fetches backup artifacts
type Backups interface {
	Latest(ctx context.Context) (*types.BackupArtifact, error)
	Download(ctx context.Context, artifact types.BackupArtifact, dir string) (path string, sha256 string, err error)
}

// Provisioner creates isolated database instances
type Provisioner interface {
	// Provision starts a database named name and waits until it accepts
	// connections. On error nothing is left running.
	Provision(ctx context.Context, name string) (Instance, error)
	// Sweep removes instances left behind by a drill that was killed
	Sweep(ctx context.Context) error
}

// Instance is an ephemeral database
type Instance interface {
	Restore(ctx context.Context, path string) error
	// Inspect returns the number of tables and the row counts of tables
	Inspect(ctx context.Context, tables []string) (int, []types.TableCount, error)
	Destroy(ctx context.Context) error
}

// Reporter publishes drill results
type Reporter interface {
	ReportDrill(ctx context.Context, result *types.DrillResult) error
}

// Recorder persists drill results
type Recorder interface {
	SaveDrill(result *types.DrillResult) error
}

// Locker serializes drills on a host. Sweep removes every drill database
// it finds, so it may only run while no other drill is in flight.
type Locker interface {
	Acquire(ctx context.Context) (func(), error)
}

// Options configures a drill
type Options struct {
	RTOTarget    time.Duration
	RPOTarget    time.Duration
	SanityTables []string
	// WorkDir receives the downloaded artifact
	WorkDir string
}

// Runner executes restore drills
type Runner struct {
	opts        Options
	backups     Backups
	provisioner Provisioner
	reporter    Reporter
	recorder    Recorder
	locker      Locker
	events      *events.Broker
	now         func() time.Time
	logger      zerolog.Logger
}

// NewRunner creates a drill runner. reporter and recorder may be nil.
func NewRunner(opts Options, backups Backups, provisioner Provisioner, reporter Reporter, recorder Recorder) *Runner {
	return &Runner{
		opts:        opts,
		backups:     backups,
		provisioner: provisioner,
		reporter:    reporter,
		recorder:    recorder,
		now:         time.Now,
		logger:      log.WithComponent("drill"),
	}
}

// WithEvents returns a runner that publishes each step to b
func (r *Runner) WithEvents(b *events.Broker) *Runner {
	cp := *r
	cp.events = b
	return &cp
}

// WithLocker returns a runner that holds l for the whole drill
func (r *Runner) WithLocker(l Locker) *Runner {
	cp := *r
	cp.locker = l
	return &cp
}

func (r *Runner) step(id, step, msg string) {
	r.events.Publish(&events.Event{
		ID:       id,
		Type:     events.EventDrillStep,
		Message:  msg,
		Metadata: map[string]string{"drill_id": id, "step": step},
	})
}

// Run executes one drill. Once the drill lock is held the result is always
// returned, also on failure, and has been recorded and reported by the time
// Run returns. A drill that cannot take the lock returns no result and
// records nothing.
func (r *Runner) Run(ctx context.Context) (*types.DrillResult, error) {
	if r.locker != nil {
		unlock, err := r.locker.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire drill lock: %w", err)
		}
		defer unlock()
	}

	id := uuid.New().String()
	res := &types.DrillResult{
		ID:        id,
		RTOTarget: r.opts.RTOTarget,
		RPOTarget: r.opts.RPOTarget,
		StartedAt: r.now(),
	}
	logger := log.WithDrillID(id)

	err := r.run(ctx, res, logger)

	res.FinishedAt = r.now()
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		logger.Error().Err(err).Msg("Restore drill failed")
	} else {
		logger.Info().
			Dur("rto", res.RTO).
			Dur("rpo", res.RPO).
			Int("tables", res.TableCount).
			Msg("Restore drill succeeded")
	}

	r.events.Publish(&events.Event{
		ID:       id,
		Type:     events.EventDrillFinished,
		Message:  "Drill finished",
		Metadata: map[string]string{"drill_id": id, "success": strconv.FormatBool(res.Success)},
	})

	// Reporting must not depend on the caller's context surviving the drill
	bg := context.WithoutCancel(ctx)
	if r.recorder != nil {
		if rerr := r.recorder.SaveDrill(res); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to record drill result")
		}
	}
	if r.reporter != nil {
		if rerr := r.reporter.ReportDrill(bg, res); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to report drill result")
		}
	}
	return res, err
}

func (r *Runner) run(ctx context.Context, res *types.DrillResult, logger zerolog.Logger) error {
	cleanupCtx := context.WithoutCancel(ctx)

	if err := r.provisioner.Sweep(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove leftovers of earlier drills")
	}
	r.sweepWorkDirs(logger)

	r.step(res.ID, "locate", "Locating the latest backup")
	artifact, err := r.backups.Latest(ctx)
	if err != nil {
		return err
	}
	res.Artifact = *artifact
	res.RPO = artifact.Age
	res.RPOMet = res.RPO <= r.opts.RPOTarget
	if !res.RPOMet {
		logger.Warn().
			Dur("rpo", res.RPO).
			Dur("target", r.opts.RPOTarget).
			Str("uri", artifact.URI).
			Msg("Latest backup is older than the RPO target")
	}

	if err := os.MkdirAll(r.opts.WorkDir, 0700); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	workDir, err := os.MkdirTemp(r.opts.WorkDir, workDirPrefix)
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Error().Err(err).Str("dir", workDir).Msg("Failed to delete downloaded backup")
		}
	}()

	r.step(res.ID, "download", "Downloading "+artifact.URI)
	path, sum, err := r.backups.Download(ctx, *artifact, workDir)
	if err != nil {
		return err
	}
	res.Artifact.Checksum = sum
	logger.Debug().Str("path", path).Str("sha256", sum).Msg("Backup downloaded")

	name := "restore-drill-" + res.ID[:8]
	r.step(res.ID, "provision", "Starting drill database "+name)
	inst, err := r.provisioner.Provision(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to provision %s: %w", name, err)
	}
	defer func() {
		if err := inst.Destroy(cleanupCtx); err != nil {
			logger.Error().Err(err).Str("instance", name).Msg("Failed to destroy drill database")
			return
		}
		logger.Info().Str("instance", name).Msg("Drill database destroyed")
	}()

	r.step(res.ID, "restore", "Restoring backup")
	start := r.now()
	err = inst.Restore(ctx, path)
	res.RTO = r.now().Sub(start)
	if err != nil {
		return fmt.Errorf("restore failed after %s: %w", res.RTO, err)
	}
	res.RTOMet = res.RTO <= r.opts.RTOTarget
	if !res.RTOMet {
		return fmt.Errorf("%w: %s > %s", ErrRTOExceeded, res.RTO, r.opts.RTOTarget)
	}

	r.step(res.ID, "inspect", "Checking sanity tables")
	count, rows, err := inst.Inspect(ctx, r.opts.SanityTables)
	if err != nil {
		return fmt.Errorf("sanity check failed: %w", err)
	}
	res.TableCount = count
	res.RowCounts = rows
	if count == 0 {
		return ErrNoTables
	}
	for _, tc := range rows {
		ev := logger.Info()
		if tc.Rows == 0 {
			ev = logger.Warn()
		}
		ev.Str("table", tc.Table).Int64("rows", tc.Rows).Msg("Sanity table")
	}
	return nil
}

// sweepWorkDirs deletes download directories of drills that never cleaned up
func (r *Runner) sweepWorkDirs(logger zerolog.Logger) {
	leftovers, err := filepath.Glob(filepath.Join(r.opts.WorkDir, workDirPrefix+"*"))
	if err != nil {
		return
	}
	for _, dir := range leftovers {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("Failed to delete leftover download")
		}
	}
}
