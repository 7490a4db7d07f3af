package drill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/switchyard/pkg/events"
	"github.com/cuemby/switchyard/pkg/types"
)

var errInjected = errors.New("injected")

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBackups struct {
	artifact    *types.BackupArtifact
	latestErr   error
	downloadErr error
	downloaded  string
}

func (b *fakeBackups) Latest(ctx context.Context) (*types.BackupArtifact, error) {
	if b.latestErr != nil {
		return nil, b.latestErr
	}
	a := *b.artifact
	return &a, nil
}

func (b *fakeBackups) Download(ctx context.Context, a types.BackupArtifact, dir string) (string, string, error) {
	path := filepath.Join(dir, filepath.Base(a.Key))
	if err := os.WriteFile(path, []byte("PGDMP"), 0600); err != nil {
		return "", "", err
	}
	b.downloaded = path
	if b.downloadErr != nil {
		return "", "", b.downloadErr
	}
	return path, "abc123", nil
}

type fakeInstance struct {
	clock       *clock
	restoreTime time.Duration
	restoreErr  error
	tables      int
	inspectErr  error

	restored   string
	destroyed  bool
	destroyErr error
}

func (i *fakeInstance) Restore(ctx context.Context, path string) error {
	i.restored = path
	i.clock.Advance(i.restoreTime)
	if i.restoreErr != nil {
		return i.restoreErr
	}
	return ctx.Err()
}

func (i *fakeInstance) Inspect(ctx context.Context, tables []string) (int, []types.TableCount, error) {
	if i.inspectErr != nil {
		return 0, nil, i.inspectErr
	}
	rows := make([]types.TableCount, 0, len(tables))
	for n, t := range tables {
		rows = append(rows, types.TableCount{Table: t, Rows: int64(100 * (n + 1))})
	}
	return i.tables, rows, nil
}

func (i *fakeInstance) Destroy(ctx context.Context) error {
	i.destroyed = true
	i.destroyErr = ctx.Err()
	return nil
}

type fakeProvisioner struct {
	instance *fakeInstance
	err      error
	name     string
	swept    bool

	lock        *fakeLocker
	sweptLocked bool
}

func (p *fakeProvisioner) Provision(ctx context.Context, name string) (Instance, error) {
	p.name = name
	if p.err != nil {
		return nil, p.err
	}
	return p.instance, nil
}

func (p *fakeProvisioner) Sweep(ctx context.Context) error {
	p.swept = true
	if p.lock != nil {
		p.sweptLocked = p.lock.held
	}
	return nil
}

type fakeLocker struct {
	err      error
	held     bool
	released bool
}

func (l *fakeLocker) Acquire(ctx context.Context) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.held = true
	return func() {
		l.held = false
		l.released = true
	}, nil
}

type fakeSink struct {
	saved    []*types.DrillResult
	reported []*types.DrillResult
}

func (s *fakeSink) SaveDrill(r *types.DrillResult) error {
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeSink) ReportDrill(ctx context.Context, r *types.DrillResult) error {
	s.reported = append(s.reported, r)
	return nil
}

type harness struct {
	clock       *clock
	backups     *fakeBackups
	instance    *fakeInstance
	provisioner *fakeProvisioner
	sink        *fakeSink
	workDir     string
	runner      *Runner
}

// newHarness builds a drill of a backup that is 10 minutes old restored in
// 50 seconds, against a 15 minute RPO and a 1 hour RTO.
func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		clock: clk,
		backups: &fakeBackups{artifact: &types.BackupArtifact{
			URI:      "s3://backups/db/clipper-20260301T1150.dump",
			Bucket:   "backups",
			Key:      "db/clipper-20260301T1150.dump",
			Size:     5,
			Modified: clk.Now().Add(-10 * time.Minute),
			Age:      10 * time.Minute,
		}},
		instance: &fakeInstance{clock: clk, restoreTime: 50 * time.Second, tables: 12},
		sink:     &fakeSink{},
		workDir:  t.TempDir(),
	}
	h.provisioner = &fakeProvisioner{instance: h.instance}
	h.runner = NewRunner(Options{
		RTOTarget:    time.Hour,
		RPOTarget:    15 * time.Minute,
		SanityTables: []string{"users", "clips", "submissions"},
		WorkDir:      h.workDir,
	}, h.backups, h.provisioner, h.sink, h.sink)
	h.runner.now = clk.Now
	return h
}

func (h *harness) assertCleanedUp(t *testing.T) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(h.workDir, workDirPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "download directory must be removed")
	if h.backups.downloaded != "" {
		assert.NoFileExists(t, h.backups.downloaded)
	}
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t)

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 50*time.Second, res.RTO)
	assert.Equal(t, 10*time.Minute, res.RPO)
	assert.True(t, res.RTOMet)
	assert.True(t, res.RPOMet)
	assert.Equal(t, 12, res.TableCount)
	assert.Equal(t, []types.TableCount{
		{Table: "users", Rows: 100},
		{Table: "clips", Rows: 200},
		{Table: "submissions", Rows: 300},
	}, res.RowCounts)
	assert.Empty(t, res.Error)
	assert.Equal(t, 50*time.Second, res.FinishedAt.Sub(res.StartedAt))

	assert.True(t, h.provisioner.swept)
	assert.Equal(t, "restore-drill-"+res.ID[:8], h.provisioner.name)
	assert.Equal(t, h.backups.downloaded, h.instance.restored)
	assert.Equal(t, "abc123", res.Artifact.Checksum)
	assert.True(t, h.instance.destroyed)
	h.assertCleanedUp(t)

	require.Len(t, h.sink.saved, 1)
	require.Len(t, h.sink.reported, 1)
	assert.Same(t, res, h.sink.saved[0])
}

func TestRunRTOBoundary(t *testing.T) {
	tests := []struct {
		name    string
		restore time.Duration
		wantErr bool
	}{
		{name: "exactly at target", restore: time.Hour},
		{name: "one millisecond over", restore: time.Hour + time.Millisecond, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.instance.restoreTime = tt.restore

			res, err := h.runner.Run(context.Background())
			assert.Equal(t, tt.restore, res.RTO)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRTOExceeded)
				assert.False(t, res.RTOMet)
				assert.False(t, res.Success)
			} else {
				assert.NoError(t, err)
				assert.True(t, res.RTOMet)
				assert.True(t, res.Success)
			}
			assert.True(t, h.instance.destroyed)
			h.assertCleanedUp(t)
		})
	}
}

func TestRunRPOMissIsOnlyAWarning(t *testing.T) {
	h := newHarness(t)
	h.backups.artifact.Age = 48 * time.Hour

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.RPOMet)
	assert.True(t, res.Success)
}

func TestRunCleansUpOnFailure(t *testing.T) {
	tests := []struct {
		name          string
		inject        func(h *harness)
		wantErr       error
		wantDestroyed bool
	}{
		{
			name:    "no backup",
			inject:  func(h *harness) { h.backups.latestErr = errInjected },
			wantErr: errInjected,
		},
		{
			name:    "download",
			inject:  func(h *harness) { h.backups.downloadErr = errInjected },
			wantErr: errInjected,
		},
		{
			name:    "provision",
			inject:  func(h *harness) { h.provisioner.err = errInjected },
			wantErr: errInjected,
		},
		{
			name:          "restore",
			inject:        func(h *harness) { h.instance.restoreErr = errInjected },
			wantErr:       errInjected,
			wantDestroyed: true,
		},
		{
			name:          "rto exceeded",
			inject:        func(h *harness) { h.instance.restoreTime = 2 * time.Hour },
			wantErr:       ErrRTOExceeded,
			wantDestroyed: true,
		},
		{
			name:          "sanity query",
			inject:        func(h *harness) { h.instance.inspectErr = errInjected },
			wantErr:       errInjected,
			wantDestroyed: true,
		},
		{
			name:          "no tables",
			inject:        func(h *harness) { h.instance.tables = 0 },
			wantErr:       ErrNoTables,
			wantDestroyed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.inject(h)

			res, err := h.runner.Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
			assert.Equal(t, tt.wantDestroyed, h.instance.destroyed)
			h.assertCleanedUp(t)

			require.Len(t, h.sink.saved, 1)
			require.Len(t, h.sink.reported, 1)
		})
	}
}

func TestRunCancelledStillDestroys(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The fake restore reports the cancellation after "running"
	res, err := h.runner.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Success)

	assert.True(t, h.instance.destroyed)
	assert.NoError(t, h.instance.destroyErr, "cleanup must not inherit the cancellation")
	h.assertCleanedUp(t)
}

func TestRunSweepsLeftoverDownloads(t *testing.T) {
	h := newHarness(t)
	stale := filepath.Join(h.workDir, workDirPrefix+"killed")
	require.NoError(t, os.MkdirAll(stale, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "old.dump"), []byte("x"), 0600))
	keep := filepath.Join(h.workDir, "unrelated")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0600))

	_, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.NoDirExists(t, stale)
	assert.FileExists(t, keep)
}

func TestRunPublishesSteps(t *testing.T) {
	h := newHarness(t)
	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()

	res, err := h.runner.WithEvents(broker).Run(context.Background())
	require.NoError(t, err)
	broker.Stop()

	var steps []string
	var last *events.Event
	for ev := range sub {
		if ev.Type == events.EventDrillStep {
			steps = append(steps, ev.Metadata["step"])
		}
		last = ev
	}
	assert.Equal(t, []string{"locate", "download", "provision", "restore", "inspect"}, steps)
	require.NotNil(t, last)
	assert.Equal(t, events.EventDrillFinished, last.Type)
	assert.Equal(t, res.ID, last.Metadata["drill_id"])
	assert.Equal(t, "true", last.Metadata["success"])
}

func TestRunHoldsDrillLock(t *testing.T) {
	h := newHarness(t)
	lock := &fakeLocker{}
	h.provisioner.lock = lock

	_, err := h.runner.WithLocker(lock).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, h.provisioner.sweptLocked, "leftovers must only be swept under the drill lock")
	assert.True(t, lock.released)
	assert.False(t, lock.held)
}

func TestRunInProgressElsewhere(t *testing.T) {
	h := newHarness(t)
	lock := &fakeLocker{err: errInjected}

	res, err := h.runner.WithLocker(lock).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.Nil(t, res)

	// The running drill's database and download must survive
	assert.False(t, h.provisioner.swept)
	assert.Empty(t, h.provisioner.name)
	assert.Empty(t, h.sink.saved)
	assert.Empty(t, h.sink.reported)
}
