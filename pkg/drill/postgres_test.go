package drill

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/switchyard/pkg/runtime"
	"github.com/cuemby/switchyard/pkg/runtime/runtimetest"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestDetectFormat(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte("CREATE TABLE users (id int);"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	tests := []struct {
		name string
		data []byte
		want format
	}{
		{name: "custom", data: []byte("PGDMP\x01\x0e"), want: formatCustom},
		{name: "gzip", data: gz.Bytes(), want: formatGzip},
		{name: "plain", data: []byte("-- PostgreSQL database dump\n"), want: formatPlain},
		{name: "short", data: []byte("--"), want: formatPlain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := detectFormat(writeFile(t, "backup", tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = detectFormat(writeFile(t, "empty", nil))
	assert.Error(t, err)
}

func TestRestoreCommand(t *testing.T) {
	assert.Equal(t,
		[]string{"pg_restore", "--no-owner", "--no-privileges", "--exit-on-error", "-U", "postgres", "-d", "drill", "/restore/db.dump"},
		restoreCommand(formatCustom, "/restore/db.dump", "drill"))

	assert.Equal(t,
		[]string{"psql", "-v", "ON_ERROR_STOP=1", "-q", "-U", "postgres", "-d", "drill", "-f", "/restore/db.sql"},
		restoreCommand(formatPlain, "/restore/db.sql", "drill"))

	gz := restoreCommand(formatGzip, "/restore/db.sql.gz", "drill")
	require.Len(t, gz, 3)
	assert.Equal(t, "sh", gz[0])
	assert.Contains(t, gz[2], "gunzip -c /restore/db.sql.gz | psql")
	assert.Contains(t, gz[2], "pipefail")
}

func newTestInstance(t *testing.T, rt *runtimetest.Fake) *postgresInstance {
	t.Helper()
	rt.Seed("restore-drill-1", "postgres:17-alpine", runtime.ContainerStateRunning,
		map[string]string{runtime.LabelRole: RoleDrill})
	return &postgresInstance{
		name:     "restore-drill-1",
		rt:       rt,
		database: "drill",
		password: "secret",
		port:     55432,
		mountDir: t.TempDir(),
		logger:   zerolog.Nop(),
	}
}

func TestRestoreStagesBackup(t *testing.T) {
	rt := runtimetest.New()
	inst := newTestInstance(t, rt)
	backup := writeFile(t, "clipper.dump", []byte("PGDMP payload"))

	var staged []byte
	rt.ExecFn = func(name string, cmd []string) (runtime.ExecResult, error) {
		assert.Equal(t, "restore-drill-1", name)
		assert.Equal(t, "pg_restore", cmd[0])
		assert.Equal(t, "/restore/clipper.dump", cmd[len(cmd)-1])
		var err error
		staged, err = os.ReadFile(filepath.Join(inst.mountDir, "clipper.dump"))
		return runtime.ExecResult{}, err
	}

	require.NoError(t, inst.Restore(context.Background(), backup))
	assert.Equal(t, []byte("PGDMP payload"), staged)
	assert.NoFileExists(t, filepath.Join(inst.mountDir, "clipper.dump"))
	assert.FileExists(t, backup)
}

func TestRestoreFailure(t *testing.T) {
	rt := runtimetest.New()
	inst := newTestInstance(t, rt)
	backup := writeFile(t, "clipper.sql", []byte("CREATE TABLE broken ("))

	rt.ExecFn = func(name string, cmd []string) (runtime.ExecResult, error) {
		return runtime.ExecResult{ExitCode: 3, Stderr: `ERROR:  syntax error at end of input`}, nil
	}
	err := inst.Restore(context.Background(), backup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")

	rt.ExecFn = func(name string, cmd []string) (runtime.ExecResult, error) {
		return runtime.ExecResult{}, errors.New("exec broke")
	}
	assert.Error(t, inst.Restore(context.Background(), backup))
}

func TestDestroyRemovesContainerAndMount(t *testing.T) {
	rt := runtimetest.New()
	inst := newTestInstance(t, rt)

	require.NoError(t, inst.Destroy(context.Background()))
	assert.False(t, rt.Exists("restore-drill-1"))
	assert.NoDirExists(t, inst.mountDir)
}

func TestSweepRemovesOnlyDrillContainers(t *testing.T) {
	rt := runtimetest.New()
	rt.Seed("restore-drill-old", "postgres", runtime.ContainerStateRunning, map[string]string{runtime.LabelRole: RoleDrill})
	rt.Seed("restore-drill-older", "postgres", runtime.ContainerStateStopped, map[string]string{runtime.LabelRole: RoleDrill})
	rt.Seed("clipper-app-blue", "clipper", runtime.ContainerStateRunning, map[string]string{runtime.LabelRole: "service"})

	p := NewPostgresProvisioner(rt, PostgresOptions{Image: "postgres:17-alpine", WorkDir: t.TempDir()})
	require.NoError(t, p.Sweep(context.Background()))
	assert.Equal(t, []string{"clipper-app-blue"}, rt.Names())
}

func TestSweepRemovesStagedBackupsOfKilledDrills(t *testing.T) {
	workDir := t.TempDir()
	rt := runtimetest.New()
	rt.Seed("restore-drill-deadbeef", "postgres", runtime.ContainerStateRunning, map[string]string{runtime.LabelRole: RoleDrill})

	// A drill killed mid-restore leaves its mount directory with the staged copy
	stale := filepath.Join(workDir, "restore-drill-deadbeef-1234")
	require.NoError(t, os.MkdirAll(stale, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "prod.dump"), []byte("PGDMP"), 0600))
	unrelated := filepath.Join(workDir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("x"), 0600))

	p := NewPostgresProvisioner(rt, PostgresOptions{Image: "postgres:17-alpine", WorkDir: workDir})
	require.NoError(t, p.Sweep(context.Background()))

	assert.Empty(t, rt.Names())
	assert.NoDirExists(t, stale)
	assert.FileExists(t, unrelated)
}

func TestProvisionFailuresLeaveNothingRunning(t *testing.T) {
	optsIn := func(t *testing.T) PostgresOptions {
		return PostgresOptions{Image: "postgres:17-alpine", ReadyRetries: 1, ReadyDelay: time.Millisecond, WorkDir: t.TempDir()}
	}
	assertNoMounts := func(t *testing.T, workDir string) {
		t.Helper()
		entries, err := os.ReadDir(workDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	}

	t.Run("pull", func(t *testing.T) {
		rt := runtimetest.New()
		rt.PullErr["postgres:17-alpine"] = errInjected
		opts := optsIn(t)
		_, err := NewPostgresProvisioner(rt, opts).Provision(context.Background(), "restore-drill-a")
		assert.ErrorIs(t, err, errInjected)
		assert.Empty(t, rt.Names())
		assertNoMounts(t, opts.WorkDir)
	})

	t.Run("run", func(t *testing.T) {
		rt := runtimetest.New()
		rt.RunErr["restore-drill-b"] = errInjected
		opts := optsIn(t)
		_, err := NewPostgresProvisioner(rt, opts).Provision(context.Background(), "restore-drill-b")
		assert.ErrorIs(t, err, errInjected)
		assert.Empty(t, rt.Names())
		assertNoMounts(t, opts.WorkDir)
	})

	t.Run("never ready", func(t *testing.T) {
		rt := runtimetest.New()
		opts := optsIn(t)
		_, err := NewPostgresProvisioner(rt, opts).Provision(context.Background(), "restore-drill-c")
		require.Error(t, err)
		assert.Empty(t, rt.Names(), "unready database must be removed")

		spec, ok := rt.Spec("restore-drill-c")
		require.True(t, ok)
		assert.Equal(t, RoleDrill, spec.Labels[runtime.LabelRole])
		require.Len(t, spec.Ports, 1)
		assert.Equal(t, spec.Ports[0].HostPort, spec.Ports[0].ContainerPort)
		require.Len(t, spec.Mounts, 1)
		assert.Equal(t, "/restore", spec.Mounts[0].Destination)
		assert.True(t, spec.Mounts[0].ReadOnly)
		assert.Equal(t, opts.WorkDir, filepath.Dir(spec.Mounts[0].Source), "staged backups live in the drill work directory")
		assert.NoDirExists(t, spec.Mounts[0].Source)
		assert.Contains(t, spec.Env, "POSTGRES_DB=drill")
	})
}
