// Package probe inspects response headers to decide whether a page may be
// shown inside a frame.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/metrics"
	"github.com/JakeFAU/page-annotator/internal/telemetry"
)

// Classification is the outcome of a probe.
type Classification string

// Probe classifications.
const (
	Allowed Classification = "allowed"
	Blocked Classification = "blocked"
	Unknown Classification = "unknown"
)

// Result describes a probe outcome. Reason is set only when Blocked.
type Result struct {
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
}

// Blocked reports whether the page refuses framing.
func (r Result) Blocked() bool { return r.Classification == Blocked }

// Options tunes a Prober.
type Options struct {
	Timeout   time.Duration
	CacheTTL  time.Duration
	UserAgent string
}

// Prober runs header probes through a Fetcher.
type Prober struct {
	fetcher annotator.Fetcher
	logger  *zap.Logger
	cache   *cache.Cache
	opts    Options
}

// New builds a Prober. A zero CacheTTL disables caching.
func New(fetcher annotator.Fetcher, logger *zap.Logger, opts Options) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	p := &Prober{fetcher: fetcher, logger: logger.Named("probe"), opts: opts}
	if opts.CacheTTL > 0 {
		p.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return p
}

// Probe sends HEAD and falls back to GET when HEAD answers with an error
// status. A network failure yields Unknown plus a *annotator.ProbeError; the
// caller should treat that as "try the frame anyway".
func (p *Prober) Probe(ctx context.Context, rawURL, userAgent string) (_ Result, err error) {
	ctx, finish := telemetry.StartSpan(ctx, "probe.Probe", attribute.String("url.full", rawURL))
	defer func() { finish(err) }()

	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		ua = p.opts.UserAgent
	}
	key := ua + "\x00" + rawURL
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			return cached.(Result), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	resp, err := p.fetch(ctx, http.MethodHead, rawURL, ua)
	if err == nil && resp.StatusCode >= http.StatusBadRequest {
		resp, err = p.fetch(ctx, http.MethodGet, rawURL, ua)
	}
	if err != nil {
		probeErr := &annotator.ProbeError{URL: rawURL, Err: err}
		p.logger.Warn("frame probe failed", zap.String("url", rawURL), zap.Error(err))
		metrics.ObserveFrameCheck(rawURL, string(Unknown))
		return Result{Classification: Unknown}, probeErr
	}

	result := Classify(resp.StatusCode, resp.Headers)
	metrics.ObserveFrameCheck(rawURL, string(result.Classification))
	if result.Blocked() {
		p.logger.Debug("frame blocked", zap.String("url", rawURL), zap.String("reason", result.Reason))
	}
	if p.cache != nil {
		p.cache.Set(key, result, cache.DefaultExpiration)
	}
	return result, nil
}

func (p *Prober) fetch(ctx context.Context, method, rawURL, ua string) (annotator.FetchResponse, error) {
	resp, err := p.fetcher.Fetch(ctx, annotator.FetchRequest{URL: rawURL, Method: method, UserAgent: ua})
	if err != nil {
		return annotator.FetchResponse{}, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

// Classify maps a final status and header set to a probe result.
func Classify(status int, headers http.Header) Result {
	if reason, ok := frameOptionsReason(headers.Get("X-Frame-Options")); ok {
		return Result{Classification: Blocked, Reason: reason, StatusCode: status}
	}
	if reason, ok := frameAncestorsReason(headers.Values("Content-Security-Policy")); ok {
		return Result{Classification: Blocked, Reason: reason, StatusCode: status}
	}
	if status < 200 || status >= 300 {
		return Result{Classification: Blocked, Reason: fmt.Sprintf("status:%d", status), StatusCode: status}
	}
	return Result{Classification: Allowed, StatusCode: status}
}

func frameOptionsReason(value string) (string, bool) {
	if value == "" {
		return "", false
	}
	first := strings.ToLower(strings.TrimSpace(strings.Split(value, ",")[0]))
	switch first {
	case "deny", "sameorigin":
		return "xfo:" + first, true
	default:
		return "", false
	}
}

func frameAncestorsReason(policies []string) (string, bool) {
	for _, policy := range policies {
		for _, directive := range strings.Split(policy, ";") {
			fields := strings.Fields(directive)
			if len(fields) == 0 || !strings.EqualFold(fields[0], "frame-ancestors") {
				continue
			}
			for _, source := range fields[1:] {
				if strings.EqualFold(source, "'none'") {
					return "csp:frame-ancestors-none", true
				}
			}
			for _, source := range fields[1:] {
				if strings.EqualFold(source, "'self'") {
					return "csp:frame-ancestors-self", true
				}
			}
			return "csp:frame-ancestors-other", true
		}
	}
	return "", false
}
