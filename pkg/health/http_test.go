package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/switchyard/pkg/types"
)

func TestHTTPChecker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte("ok"))
		case "/redirect":
			w.WriteHeader(http.StatusNotModified)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("  migrations pending\n"))
		}
	}))
	defer server.Close()

	ctx := context.Background()

	result := NewHTTPChecker(server.URL + "/health").Check(ctx)
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, "HTTP 200 OK", result.Message)
	assert.Positive(t, result.Duration)

	result = NewHTTPChecker(server.URL + "/broken").Check(ctx)
	assert.False(t, result.Healthy)
	assert.Equal(t, "HTTP 503 Service Unavailable (expected 200-399): migrations pending", result.Message)

	result = NewHTTPChecker(server.URL + "/redirect").Check(ctx)
	assert.True(t, result.Healthy, result.Message)
	result = NewHTTPChecker(server.URL+"/redirect").WithStatusRange(200, 299).Check(ctx)
	assert.False(t, result.Healthy)

	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(server.URL).Type())
}

func TestHTTPCheckerLongBodyIsTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Less(t, len(result.Message), bodySnippet+64)
}

func TestHTTPCheckerServedBy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served := r.URL.Query().Get("served"); served != "" {
			w.Header().Set(EnvironmentHeader, served)
		}
	}))
	defer server.Close()

	ctx := context.Background()

	tests := []struct {
		served  string
		healthy bool
		message string
	}{
		{"green", true, "HTTP 200 OK served by green"},
		{"blue", false, "HTTP 200 OK served by blue, expected green"},
		{"", false, "HTTP 200 OK without X-Active-Environment header, expected green"},
	}
	for _, tt := range tests {
		checker := NewHTTPChecker(server.URL + "/?served=" + tt.served).ServedBy(types.EnvironmentGreen)
		result := checker.Check(ctx)
		assert.Equal(t, tt.healthy, result.Healthy, tt.served)
		assert.Equal(t, tt.message, result.Message)
	}
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result = NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)

	result = NewHTTPChecker("http://[::1]:namedport").Check(context.Background())
	require.False(t, result.Healthy)
	assert.Contains(t, result.Message, "invalid health url")
}
