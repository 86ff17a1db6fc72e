package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/metrics"
)

var tlsRetryBackoff = []time.Duration{250 * time.Millisecond, 750 * time.Millisecond}

// retryTransport waits on the per-host limiter before every attempt and
// retries bodiless requests that hit a TLS handshake timeout.
type retryTransport struct {
	base    http.RoundTripper
	limiter annotator.Limiter
	backoff []time.Duration
}

func newRetryTransport(base http.RoundTripper, limiter annotator.Limiter) *retryTransport {
	return &retryTransport{base: base, limiter: limiter, backoff: tlsRetryBackoff}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request passed to RoundTrip")
	}
	maxAttempts := 1
	if req.Body == nil || req.Body == http.NoBody {
		maxAttempts += len(t.backoff)
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if t.limiter != nil {
			if err := t.limiter.Wait(req.Context(), req.URL.String()); err != nil {
				return nil, err //nolint:wrapcheck // already wrapped by the limiter
			}
		}
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTLSHandshakeTimeout(err) || attempt == maxAttempts-1 {
			break
		}
		metrics.ObserveTLSRetry()
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, lastErr)
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTLSHandshakeTimeout(err error) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "tls: handshake timeout") ||
		strings.Contains(err.Error(), "TLS handshake timeout") {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout() && strings.Contains(strings.ToLower(err.Error()), "tls")
}
