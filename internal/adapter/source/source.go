// Package source holds helpers shared by the upstream API clients.
package source

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/workspace-sync/internal/domain"
)

const defaultRetryAfter = 5 * time.Second

// HTTPClient builds the client the source adapters share. The otelhttp
// transport makes every upstream call a child span of the queue item
// being processed.
func HTTPClient(name string, timeout time.Duration) *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return name + " " + r.Method + " " + r.URL.Host
		}),
	)
	return &http.Client{Timeout: timeout, Transport: transport}
}

// SleepRetryAfter honors a 429 Retry-After header, waiting the advertised
// number of seconds (or a default when absent or unparsable). Returns the
// context error if cancelled mid-wait.
func SleepRetryAfter(ctx context.Context, header string) error {
	wait := defaultRetryAfter
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNotFound reports whether err wraps domain.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
