package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/switchyard/pkg/health"
	"github.com/cuemby/switchyard/pkg/types"
)

// ErrVerifyFailed is returned when the public path does not reach the expected environment
var ErrVerifyFailed = errors.New("traffic verification failed")

// Verifier confirms that live traffic reaches an environment
type Verifier interface {
	Verify(ctx context.Context, env types.Environment) error
}

// HTTPVerifier sends synthetic requests through the public URL and requires
// the ActiveHeader to name the expected environment. A few attempts are
// allowed because nginx workers pick up a reload asynchronously.
type HTTPVerifier struct {
	url    string
	prober *health.Prober
	cfg    health.Config
}

// NewHTTPVerifier creates a verifier for url
func NewHTTPVerifier(url string, attempts int, interval, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		url:    url,
		prober: health.NewProber(),
		cfg: health.Config{
			Retries:  attempts,
			Interval: interval,
			Timeout:  timeout,
		},
	}
}

// Verify implements Verifier
func (v *HTTPVerifier) Verify(ctx context.Context, env types.Environment) error {
	checker := health.NewHTTPChecker(v.url).ServedBy(env)
	res := v.prober.Probe(ctx, v.url, checker, v.cfg)
	if res.Healthy() {
		return nil
	}
	msg := "no attempts"
	if last, ok := res.Last(); ok {
		msg = last.Message
	}
	return fmt.Errorf("%w: %s did not reach %s: %s", ErrVerifyFailed, v.url, env, msg)
}
