package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/switchyard/pkg/types"
)

// EnvironmentHeader names the environment that served a proxied response
const EnvironmentHeader = "X-Active-Environment"

// bodySnippet bounds how much of an unhealthy response ends up in the message
const bodySnippet = 256

// HTTPChecker checks a liveness endpoint. When Environment is set the
// response must also carry it in EnvironmentHeader, which is how the public
// entrypoint proves traffic reached the intended side.
type HTTPChecker struct {
	URL string

	// Environment, when set, must name the environment that answered
	Environment types.Environment

	// StatusMin and StatusMax bound the accepted status codes (default 200-399)
	StatusMin int
	StatusMax int

	Client *http.Client
}

// NewHTTPChecker creates an HTTP checker for url
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		StatusMin: http.StatusOK,
		StatusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Check implements Checker
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := func(healthy bool, format string, args ...interface{}) Result {
		return Result{
			Healthy:   healthy,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return result(false, "invalid health url: %v", err)
	}
	// Caches in front of the proxy must not answer for the old environment
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", "switchyard")

	resp, err := h.Client.Do(req)
	if err != nil {
		return result(false, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippet))
	// Drain the rest so the connection is reused by the next attempt
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if resp.StatusCode < h.StatusMin || resp.StatusCode > h.StatusMax {
		msg := fmt.Sprintf("%s (expected %d-%d)", status, h.StatusMin, h.StatusMax)
		if snippet := strings.TrimSpace(string(body)); snippet != "" {
			msg += ": " + snippet
		}
		return result(false, "%s", msg)
	}

	if h.Environment != "" {
		served := resp.Header.Get(EnvironmentHeader)
		if served == "" {
			return result(false, "%s without %s header, expected %s", status, EnvironmentHeader, h.Environment)
		}
		if types.Environment(served) != h.Environment {
			return result(false, "%s served by %s, expected %s", status, served, h.Environment)
		}
		return result(true, "%s served by %s", status, served)
	}
	return result(true, "%s", status)
}

// Type implements Checker
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// ServedBy requires responses to come from env
func (h *HTTPChecker) ServedBy(env types.Environment) *HTTPChecker {
	h.Environment = env
	return h
}

// WithStatusRange sets the accepted status codes
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin = min
	h.StatusMax = max
	return h
}

// WithTimeout sets the per-request timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
