package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedChecker returns the scripted verdicts in order, repeating the last one
type scriptedChecker struct {
	verdicts []bool
	calls    int
}

func (s *scriptedChecker) Check(ctx context.Context) Result {
	v := s.verdicts[len(s.verdicts)-1]
	if s.calls < len(s.verdicts) {
		v = s.verdicts[s.calls]
	}
	s.calls++
	msg := "ok"
	if !v {
		msg = "connection refused"
	}
	return Result{Healthy: v, Message: msg, CheckedAt: time.Now()}
}

func (s *scriptedChecker) Type() CheckType {
	return CheckTypeHTTP
}

func fastConfig(retries int) Config {
	return Config{Retries: retries, Interval: time.Millisecond, Timeout: time.Second}
}

func TestProbe_HealthyOnFirstSuccess(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{true}}

	result := NewProber().Probe(context.Background(), "green", checker, fastConfig(10))

	assert.True(t, result.Healthy())
	assert.Equal(t, 1, checker.calls)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, 1, result.Attempts[0].Attempt)
	assert.Equal(t, "green", result.Attempts[0].Target)
}

func TestProbe_NoStreakRequired(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{false, false, true, false}}

	result := NewProber().Probe(context.Background(), "green", checker, fastConfig(5))

	assert.True(t, result.Healthy())
	assert.Equal(t, 3, checker.calls)
	last, ok := result.Last()
	require.True(t, ok)
	assert.Equal(t, 3, last.Attempt)
	assert.True(t, last.Healthy)
}

func TestProbe_UnhealthyAfterExactlyRetries(t *testing.T) {
	for _, retries := range []int{1, 3, 7} {
		checker := &scriptedChecker{verdicts: []bool{false}}

		result := NewProber().Probe(context.Background(), "green", checker, fastConfig(retries))

		assert.False(t, result.Healthy())
		assert.Equal(t, VerdictUnhealthy, result.Verdict)
		assert.Equal(t, retries, checker.calls)
		assert.Len(t, result.Attempts, retries)
	}
}

func TestProbe_SuccessOnLastAttempt(t *testing.T) {
	checker := &scriptedChecker{verdicts: []bool{false, false, true}}

	result := NewProber().Probe(context.Background(), "blue", checker, fastConfig(3))

	assert.True(t, result.Healthy())
	assert.Equal(t, 3, checker.calls)
}

func TestProbe_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker := &scriptedChecker{verdicts: []bool{true}}

	cfg := fastConfig(3)
	cfg.StartPeriod = time.Hour
	result := NewProber().Probe(ctx, "green", checker, cfg)

	assert.False(t, result.Healthy())
	assert.Equal(t, 0, checker.calls)
}
