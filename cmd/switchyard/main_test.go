package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/switchyard/pkg/deploy"
	"github.com/cuemby/switchyard/pkg/locator"
	"github.com/cuemby/switchyard/pkg/types"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "plain failure", err: errors.New("boom"), want: 1},
		{
			name: "never moved",
			err:  &deploy.Error{State: types.ReleaseStateHealthGating, Traffic: types.TrafficNeverMoved, Err: deploy.ErrTargetUnhealthy},
			want: 1,
		},
		{
			name: "rolled back",
			err:  &deploy.Error{State: types.ReleaseStatePostSwitchMonitoring, Traffic: types.TrafficRolledBack, Err: deploy.ErrTargetUnhealthy},
			want: 1,
		},
		{
			name: "rollback failed",
			err:  fmt.Errorf("release: %w", &deploy.Error{State: types.ReleaseStateRollingBack, Traffic: types.TrafficRollbackFailed, Err: errors.New("reload failed")}),
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestPrintRelease(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printRelease(&buf, &types.Release{
		ID:         "8d3c0a4e-1111-2222-3333-444444444444",
		Version:    "v1.4.0",
		Source:     types.EnvironmentBlue,
		Target:     types.EnvironmentGreen,
		Outcome:    types.OutcomeSucceeded,
		StartedAt:  start,
		FinishedAt: start.Add(95 * time.Second),
		Message:    "green is active, blue stopped",
	})
	out := buf.String()
	assert.Contains(t, out, "✓ Released v1.4.0 to green")
	assert.Contains(t, out, "Duration: 1m35s")
	assert.NotContains(t, out, "Traffic:")

	buf.Reset()
	printRelease(&buf, &types.Release{
		Version: "v1.4.1",
		Target:  types.EnvironmentBlue,
		Outcome: types.OutcomeFailed,
		Traffic: types.TrafficRollbackFailed,
	})
	out = buf.String()
	assert.Contains(t, out, "✗ Release of v1.4.1 failed")
	assert.Contains(t, out, "Source:   none")
	assert.Contains(t, out, "manual intervention required")
	assert.Contains(t, out, "Manual intervention required")
}

func TestPrintStatus(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printStatus(&buf, statusReport{
		App:     "clipper",
		Traffic: types.EnvironmentGreen,
		Environments: []*types.EnvironmentRecord{
			{Name: types.EnvironmentGreen, Status: types.EnvironmentStatusActive, Version: "v1.4.0", Since: since},
			{Name: types.EnvironmentBlue, Status: types.EnvironmentStatusStopped, Version: "v1.3.9", Since: since},
		},
		Observed: map[types.Environment]locator.Observation{
			types.EnvironmentGreen: {Env: types.EnvironmentGreen, Containers: 2, Running: 2},
		},
		Releases: []*types.Release{{
			ID: "abcdef0123", Version: "v1.4.0", Source: types.EnvironmentBlue, Target: types.EnvironmentGreen,
			State: types.ReleaseStateSucceeded, Outcome: types.OutcomeSucceeded, StartedAt: since,
		}},
		Drills: []*types.DrillResult{{ID: "12345678ab", RTO: time.Minute, RTOMet: true, RPOMet: false, TableCount: 7}},
	})

	out := buf.String()
	assert.Contains(t, out, "Traffic: green")
	assert.Contains(t, out, "2/2 running")
	assert.Contains(t, out, "v1.3.9")
	assert.Contains(t, out, "abcdef01")
	assert.Contains(t, out, "blue -> green")
	assert.Contains(t, out, "(missed)")
}

func TestPrintDrill(t *testing.T) {
	var buf bytes.Buffer
	printDrill(&buf, &types.DrillResult{
		ID:         "d1",
		Success:    true,
		Artifact:   types.BackupArtifact{URI: "s3://backups/db/latest.dump", Size: 2048},
		RTO:        50 * time.Second,
		RTOTarget:  time.Hour,
		RTOMet:     true,
		RPO:        10 * time.Minute,
		RPOTarget:  15 * time.Minute,
		RPOMet:     true,
		TableCount: 12,
		RowCounts:  []types.TableCount{{Table: "users", Rows: 42}},
	})
	out := buf.String()
	assert.Contains(t, out, "✓ Restore drill succeeded")
	assert.Contains(t, out, "RTO:     50s (target 1h0m0s)")
	assert.Contains(t, out, "users: 42 rows")
	assert.NotContains(t, out, "missed")

	buf.Reset()
	printDrill(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestPrintArtifacts(t *testing.T) {
	var buf bytes.Buffer
	printArtifacts(&buf, []types.BackupArtifact{
		{URI: "s3://b/new.dump", Size: 10, Age: time.Minute},
		{URI: "s3://b/old.dump", Size: 9, Age: 48 * time.Hour},
	}, 24*time.Hour)
	out := buf.String()
	assert.Contains(t, out, "s3://b/new.dump")
	assert.Contains(t, out, "48h0m0s (older than RPO)")

	buf.Reset()
	printArtifacts(&buf, nil, time.Hour)
	assert.Contains(t, buf.String(), "No backups found")
}
