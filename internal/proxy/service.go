// Package proxy fetches pages that refuse framing and serves rewritten copies
// from the annotator's own origin.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/metrics"
	"github.com/JakeFAU/page-annotator/internal/policy/simple"
	"github.com/JakeFAU/page-annotator/internal/rewrite"
	"github.com/JakeFAU/page-annotator/internal/telemetry"
)

// HTMLContentType is served for every rewritten document.
const HTMLContentType = "text/html; charset=utf-8"

// Page is a proxied document ready to serve.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
	ETag        string
	Headless    bool
	FetchedAt   time.Time
}

// Resource is a pass-through download.
type Resource struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Deps holds the collaborators of a Service. Headless and Detector are
// optional; without them pages are always served from the static fetch.
type Deps struct {
	Fetcher  annotator.Fetcher
	Headless annotator.Fetcher
	Detector annotator.HeadlessDetector
	Rewriter *rewrite.Rewriter
	Hasher   annotator.Hasher
	Clock    annotator.Clock
	Logger   *zap.Logger
}

// Options tunes a Service.
type Options struct {
	UserAgent string
	CacheTTL  time.Duration
}

// Service is safe for concurrent use. Requests for the same URL and
// User-Agent share one upstream fetch.
type Service struct {
	deps   Deps
	opts   Options
	policy *simple.Policy
	logger *zap.Logger
	cache  *cache.Cache
	group  singleflight.Group
}

// New builds a Service. A zero CacheTTL disables the page cache.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("proxy: fetcher is required")
	}
	if deps.Rewriter == nil {
		deps.Rewriter = rewrite.New("")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Service{
		deps:   deps,
		opts:   opts,
		policy: simple.New(),
		logger: deps.Logger.Named("proxy"),
	}
	if opts.CacheTTL > 0 {
		s.cache = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return s, nil
}

// Fetch returns a rewritten copy of rawURL fetched with userAgent (or the
// configured default). Unreachable upstreams and non-2xx answers yield a
// *annotator.FetchError.
func (s *Service) Fetch(ctx context.Context, rawURL, userAgent string) (_ Page, err error) {
	ctx, finish := telemetry.StartSpan(ctx, "proxy.Fetch", attribute.String("url.full", rawURL))
	defer func() { finish(err) }()

	ua := s.userAgent(userAgent)
	key := ua + "\x00" + rawURL
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			page := cached.(Page)
			metrics.ObserveProxyFetch(rawURL, "cached", len(page.Body))
			return page, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Callers share the result, so one caller's cancellation must not fail the rest.
		page, err := s.load(context.WithoutCancel(ctx), rawURL, ua)
		if err == nil && s.cache != nil {
			s.cache.Set(key, page, cache.DefaultExpiration)
		}
		return page, err
	})
	if err != nil {
		metrics.ObserveProxyFetch(rawURL, "error", 0)
		return Page{}, err
	}
	page := v.(Page)
	metrics.ObserveProxyFetch(rawURL, "ok", len(page.Body))
	return page, nil
}

func (s *Service) load(ctx context.Context, rawURL, ua string) (Page, error) {
	if _, err := s.policy.AllowFetch(rawURL); err != nil {
		return Page{}, &annotator.FetchError{URL: rawURL, Err: err}
	}
	resp, err := s.deps.Fetcher.Fetch(ctx, annotator.FetchRequest{URL: rawURL, Method: http.MethodGet, UserAgent: ua})
	if err != nil {
		return Page{}, &annotator.FetchError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, &annotator.FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	resp = s.maybePromote(ctx, resp, ua)

	finalURL := resp.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	contentType := resp.Headers.Get("Content-Type")
	page := Page{URL: finalURL, ContentType: contentType, Body: resp.Body, Headless: resp.UsedHeadless, FetchedAt: s.now()}
	if rewrite.IsHTML(contentType) {
		body, err := s.deps.Rewriter.Rewrite(resp.Body, contentType, finalURL)
		if err != nil {
			return Page{}, &annotator.FetchError{URL: rawURL, Err: err}
		}
		page.Body = body
		page.ContentType = HTMLContentType
	}
	if page.ContentType == "" {
		page.ContentType = "application/octet-stream"
	}
	if s.deps.Hasher != nil {
		digest, err := s.deps.Hasher.Hash(page.Body)
		if err == nil {
			page.ETag = `"` + digest + `"`
		}
	}
	s.logger.Debug("proxied page",
		zap.String("url", rawURL),
		zap.String("final_url", finalURL),
		zap.Int("bytes", len(page.Body)),
		zap.Bool("headless", page.Headless),
	)
	return page, nil
}

func (s *Service) maybePromote(ctx context.Context, resp annotator.FetchResponse, ua string) annotator.FetchResponse {
	if s.deps.Headless == nil || s.deps.Detector == nil || !s.deps.Detector.ShouldPromote(resp) {
		return resp
	}
	metrics.ObserveHeadlessPromotion()
	target := resp.URL
	if target == "" {
		return resp
	}
	rendered, err := s.deps.Headless.Fetch(ctx, annotator.FetchRequest{URL: target, Method: http.MethodGet, UserAgent: ua})
	if err != nil {
		s.logger.Warn("headless render failed, serving static copy", zap.String("url", target), zap.Error(err))
		return resp
	}
	if rendered.StatusCode < 200 || rendered.StatusCode >= 300 {
		return resp
	}
	return rendered
}

// Resource streams a download through the annotator's origin. Only http and
// https URLs are accepted; the upstream status is passed through.
func (s *Service) Resource(ctx context.Context, rawURL, userAgent string) (Resource, error) {
	if _, err := s.policy.AllowFetch(rawURL); err != nil {
		return Resource{}, err
	}
	resp, err := s.deps.Fetcher.Fetch(ctx, annotator.FetchRequest{
		URL:       rawURL,
		Method:    http.MethodGet,
		UserAgent: s.userAgent(userAgent),
	})
	if err != nil {
		return Resource{}, &annotator.FetchError{URL: rawURL, Err: err}
	}
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	metrics.ObserveProxyFetch(rawURL, "resource", len(resp.Body))
	return Resource{StatusCode: resp.StatusCode, ContentType: contentType, Body: resp.Body}, nil
}

func (s *Service) userAgent(ua string) string {
	if ua = strings.TrimSpace(ua); ua != "" {
		return ua
	}
	return s.opts.UserAgent
}

func (s *Service) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}
