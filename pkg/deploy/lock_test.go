package deploy

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockName(t *testing.T) {
	assert.Equal(t, "switchyard-clipper", LockName("clipper"))
	assert.Equal(t, "switchyard-my-app-v2", LockName("My_App v2"))

	long := LockName(strings.Repeat("a", 60))
	assert.LessOrEqual(t, len(long), 40)
	assert.True(t, strings.HasPrefix(long, "switchyard-"))
}

func TestMutexLocker(t *testing.T) {
	app := fmt.Sprintf("locktest-%d", time.Now().UnixNano())
	first := NewMutexLocker(app, 50*time.Millisecond)
	second := NewMutexLocker(app, 50*time.Millisecond)

	unlock, err := first.Acquire(context.Background())
	require.NoError(t, err)

	_, err = second.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrLocked)

	unlock()

	unlock, err = second.Acquire(context.Background())
	require.NoError(t, err)
	unlock()
}

func TestDrillLocker(t *testing.T) {
	first := NewDrillLocker(50 * time.Millisecond)
	second := NewDrillLocker(50 * time.Millisecond)

	unlock, err := first.Acquire(context.Background())
	require.NoError(t, err)
	defer unlock()

	_, err = second.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrDrillInProgress)
	assert.NotErrorIs(t, err, ErrLocked)

	// A release of an app called "drill" uses its own lock
	release, err := NewMutexLocker("drill", 50*time.Millisecond).Acquire(context.Background())
	require.NoError(t, err)
	release()
}
