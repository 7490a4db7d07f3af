package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/switchyard/pkg/runtime"
)

// ExecChecker runs a command inside a container; exit code 0 is healthy
type ExecChecker struct {
	// Command is the command to execute (e.g., ["pg_isready", "-U", "postgres"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// Container is the name of the container to exec into
	Container string

	runtime runtime.Runtime
}

// NewExecChecker creates a checker that runs command in container through rt
func NewExecChecker(rt runtime.Runtime, container string, command []string) *ExecChecker {
	return &ExecChecker{
		Command:   command,
		Timeout:   10 * time.Second,
		Container: container,
		runtime:   rt,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	res, err := e.runtime.Exec(execCtx, e.Container, e.Command)
	message := fmt.Sprintf("Command: %v", e.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if res.ExitCode != 0 {
		message = fmt.Sprintf("%s, Exit: %d", message, res.ExitCode)
		if stderr := strings.TrimSpace(res.Stderr); stderr != "" {
			message = fmt.Sprintf("%s, Stderr: %s", message, truncate(stderr))
		}
		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if out := strings.TrimSpace(res.Stdout); out != "" {
		message = fmt.Sprintf("%s, Output: %s", message, truncate(out))
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

func truncate(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
