package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains the probing parameters shared by all checkers
type Config struct {
	// Interval is the time between attempts
	Interval time.Duration

	// Timeout bounds a single attempt
	Timeout time.Duration

	// Retries is the number of consecutive failures before giving up
	Retries int

	// StartPeriod is waited once before the first attempt
	StartPeriod time.Duration
}
