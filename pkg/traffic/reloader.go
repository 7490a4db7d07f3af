package traffic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/switchyard/pkg/runtime"
)

// ErrReloadFailed is returned when the proxy rejects or fails to load a rule
var ErrReloadFailed = errors.New("proxy reload failed")

// Reloader validates and gracefully reloads the proxy configuration
type Reloader interface {
	Test(ctx context.Context) error
	Reload(ctx context.Context) error
}

// ExecReloader runs the proxy's own test and reload commands inside its
// container, e.g. `nginx -t` and `nginx -s reload`
type ExecReloader struct {
	runtime   runtime.Runtime
	container string
	test      []string
	reload    []string
	timeout   time.Duration
}

// NewExecReloader creates a reloader for the proxy running in container
func NewExecReloader(rt runtime.Runtime, container string, test, reload []string, timeout time.Duration) *ExecReloader {
	return &ExecReloader{
		runtime:   rt,
		container: container,
		test:      test,
		reload:    reload,
		timeout:   timeout,
	}
}

// Test checks the written configuration without applying it
func (r *ExecReloader) Test(ctx context.Context) error {
	if len(r.test) == 0 {
		return nil
	}
	return r.exec(ctx, r.test)
}

// Reload applies the configuration without dropping connections
func (r *ExecReloader) Reload(ctx context.Context) error {
	return r.exec(ctx, r.reload)
}

func (r *ExecReloader) exec(ctx context.Context, cmd []string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res, err := r.runtime.Exec(ctx, r.container, cmd)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrReloadFailed, strings.Join(cmd, " "), err)
	}
	if res.ExitCode != 0 {
		out := strings.TrimSpace(res.Stderr)
		if out == "" {
			out = strings.TrimSpace(res.Stdout)
		}
		return fmt.Errorf("%w: %s exited %d: %s", ErrReloadFailed, strings.Join(cmd, " "), res.ExitCode, out)
	}
	return nil
}
