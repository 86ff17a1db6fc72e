// Package collyfetcher implements annotator.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// DefaultUserAgent identifies upstream requests when neither the caller nor
// the config supplies one.
const DefaultUserAgent = "PageAnnotator/1.0"

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements annotator.Fetcher using the Colly collector. Non-2xx
// responses are returned, not treated as errors; callers classify them.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter annotator.Limiter) *Fetcher {
	return NewWithTransport(cfg, newRetryTransport(newHTTPTransport(), limiter))
}

// NewWithTransport builds a Fetcher over a caller-supplied transport.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	c := colly.NewCollector(opts...)
	// Clones share the backend client, so transport and timeout are set once here.
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HEAD or GET request. Redirects are followed; the
// response URL is the final one.
func (f *Fetcher) Fetch(ctx context.Context, request annotator.FetchRequest) (annotator.FetchResponse, error) {
	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}
	capture := &exchange{request: request, start: time.Now()}
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.UserAgent = f.cfg.UserAgent
	if ua := strings.TrimSpace(request.UserAgent); ua != "" {
		collector.UserAgent = ua
	}
	capture.attach(collector)

	done := make(chan error, 1)
	go func() {
		if method == http.MethodHead {
			done <- collector.Head(request.URL)
			return
		}
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return annotator.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		return capture.result(err)
	}
}

// exchange records what the collector callbacks saw for one request.
type exchange struct {
	request annotator.FetchRequest
	start   time.Time
	resp    annotator.FetchResponse
	err     error
}

func (e *exchange) attach(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(e.request, r)
	})
	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		e.resp = annotator.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(e.start),
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		e.err = err
	})
}

func (e *exchange) result(visitErr error) (annotator.FetchResponse, error) {
	switch {
	case visitErr != nil:
		return annotator.FetchResponse{}, fmt.Errorf("colly visit failed: %w", visitErr)
	case e.err != nil:
		return annotator.FetchResponse{}, fmt.Errorf("colly response failed: %w", e.err)
	case e.resp.StatusCode == 0:
		return annotator.FetchResponse{}, fmt.Errorf("colly fetch %s: no response", e.request.URL)
	}
	return e.resp, nil
}

func copyHeaders(request annotator.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
