package traffic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/switchyard/pkg/types"
)

type fakeReloader struct {
	testErr    error
	reloadErrs []error // consumed one per Reload call
	tests      int
	reloads    int
}

func (r *fakeReloader) Test(ctx context.Context) error {
	r.tests++
	return r.testErr
}

func (r *fakeReloader) Reload(ctx context.Context) error {
	r.reloads++
	if len(r.reloadErrs) == 0 {
		return nil
	}
	err := r.reloadErrs[0]
	r.reloadErrs = r.reloadErrs[1:]
	return err
}

type fakeVerifier struct {
	fail  map[types.Environment]bool
	calls []types.Environment
}

func (v *fakeVerifier) Verify(ctx context.Context, env types.Environment) error {
	v.calls = append(v.calls, env)
	if v.fail[env] {
		return fmt.Errorf("%w: %s", ErrVerifyFailed, env)
	}
	return nil
}

func testRoutes(env types.Environment) []Route {
	port := 8081
	if env == types.EnvironmentGreen {
		port = 8091
	}
	return []Route{{Upstream: "app_app", Address: fmt.Sprintf("127.0.0.1:%d", port)}}
}

func newTestSwitch(t *testing.T, keep int) (*Switch, *fakeReloader, *fakeVerifier) {
	t.Helper()
	dir := t.TempDir()
	r := &fakeReloader{}
	v := &fakeVerifier{fail: map[types.Environment]bool{}}
	sw := NewSwitch(Options{
		ConfigPath: filepath.Join(dir, "proxy", "upstream.conf"),
		BackupDir:  filepath.Join(dir, "proxy", "backups"),
		BackupKeep: keep,
		Routes:     testRoutes,
	}, r, v)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sw.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return sw, r, v
}

// seed writes a rule for env as if a previous switch had happened
func seed(t *testing.T, sw *Switch, env types.Environment) []byte {
	t.Helper()
	data, err := Render(env, testRoutes(env))
	require.NoError(t, err)
	require.NoError(t, writeAtomic(sw.opts.ConfigPath, data))
	return data
}

func TestSwitch_FirstRule(t *testing.T) {
	sw, r, _ := newTestSwitch(t, 10)

	_, err := sw.Current()
	assert.ErrorIs(t, err, ErrNoRule)

	require.NoError(t, sw.Switch(context.Background(), types.EnvironmentBlue))

	env, err := sw.Current()
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentBlue, env)
	assert.Equal(t, 1, r.reloads)

	backups, err := sw.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestSwitch_MovesTraffic(t *testing.T) {
	sw, r, v := newTestSwitch(t, 10)
	original := seed(t, sw, types.EnvironmentBlue)

	require.NoError(t, sw.Switch(context.Background(), types.EnvironmentGreen))

	env, err := sw.Current()
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentGreen, env)
	assert.Equal(t, 1, r.tests)
	assert.Equal(t, 1, r.reloads)
	assert.Equal(t, []types.Environment{types.EnvironmentGreen}, v.calls)

	backups, err := sw.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	saved, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, original, saved)
}

func TestSwitch_RevertsOnFailure(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(r *fakeReloader, v *fakeVerifier)
		wantErr     error
		wantReloads int
	}{
		{
			name:        "config test rejected",
			setup:       func(r *fakeReloader, v *fakeVerifier) { r.testErr = ErrReloadFailed },
			wantErr:     ErrReloadFailed,
			wantReloads: 1,
		},
		{
			name:        "reload rejected",
			setup:       func(r *fakeReloader, v *fakeVerifier) { r.reloadErrs = []error{ErrReloadFailed} },
			wantErr:     ErrReloadFailed,
			wantReloads: 2,
		},
		{
			name:        "public path still reaches old environment",
			setup:       func(r *fakeReloader, v *fakeVerifier) { v.fail[types.EnvironmentGreen] = true },
			wantErr:     ErrVerifyFailed,
			wantReloads: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw, r, v := newTestSwitch(t, 10)
			original := seed(t, sw, types.EnvironmentBlue)
			tt.setup(r, v)

			err := sw.Switch(context.Background(), types.EnvironmentGreen)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.NotErrorIs(t, err, ErrRevertFailed)
			assert.Equal(t, tt.wantReloads, r.reloads)

			env, err := sw.Current()
			require.NoError(t, err)
			assert.Equal(t, types.EnvironmentBlue, env)

			current, err := os.ReadFile(sw.opts.ConfigPath)
			require.NoError(t, err)
			assert.Equal(t, original, current)
		})
	}
}

func TestSwitch_FailedFirstRuleIsRemoved(t *testing.T) {
	sw, _, v := newTestSwitch(t, 10)
	v.fail[types.EnvironmentBlue] = true

	err := sw.Switch(context.Background(), types.EnvironmentBlue)
	assert.ErrorIs(t, err, ErrVerifyFailed)

	_, err = sw.Current()
	assert.ErrorIs(t, err, ErrNoRule)
}

func TestSwitch_RevertFailure(t *testing.T) {
	sw, r, v := newTestSwitch(t, 10)
	seed(t, sw, types.EnvironmentBlue)
	v.fail[types.EnvironmentGreen] = true
	r.reloadErrs = []error{nil, errors.New("nginx is down")}

	err := sw.Switch(context.Background(), types.EnvironmentGreen)
	assert.ErrorIs(t, err, ErrVerifyFailed)
	assert.ErrorIs(t, err, ErrRevertFailed)
}

func TestSwitch_AlreadyActiveIsNoop(t *testing.T) {
	sw, r, v := newTestSwitch(t, 10)
	original := seed(t, sw, types.EnvironmentBlue)

	require.NoError(t, sw.Switch(context.Background(), types.EnvironmentBlue))
	require.NoError(t, sw.Switch(context.Background(), types.EnvironmentBlue))

	assert.Zero(t, r.reloads)
	assert.Len(t, v.calls, 2)

	current, err := os.ReadFile(sw.opts.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, original, current)

	backups, err := sw.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestSwitch_PrunesBackups(t *testing.T) {
	sw, _, _ := newTestSwitch(t, 2)
	seed(t, sw, types.EnvironmentBlue)

	for _, env := range []types.Environment{
		types.EnvironmentGreen, types.EnvironmentBlue, types.EnvironmentGreen, types.EnvironmentBlue,
	} {
		require.NoError(t, sw.Switch(context.Background(), env))
	}

	backups, err := sw.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	// The newest backup holds the rule that was live before the last switch
	data, err := os.ReadFile(backups[1])
	require.NoError(t, err)
	env, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentGreen, env)
}

func TestSwitch_RejectsInvalidEnvironment(t *testing.T) {
	sw, r, _ := newTestSwitch(t, 10)
	assert.Error(t, sw.Switch(context.Background(), "purple"))
	assert.Zero(t, r.reloads)
}
