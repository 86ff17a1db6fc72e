// Package headless renders script-built pages in headless Chrome so the proxy
// can serve the DOM a reviewer would actually see.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

const (
	defaultNavTimeout    = 25 * time.Second
	defaultSettleTimeout = 3 * time.Second
	settlePoll           = 250 * time.Millisecond
)

// Config controls the headless renderer.
type Config struct {
	// MaxParallel bounds concurrent tabs; 0 means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleTimeout caps the wait for the DOM to stop growing after load.
	SettleTimeout time.Duration
}

// Renderer implements annotator.Fetcher with one shared Chrome process and a
// tab per request.
type Renderer struct {
	cfg     Config
	slots   chan struct{}
	browser context.Context
	stop    context.CancelFunc
}

// NewChromedp prepares a renderer. Chrome itself starts on the first render.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	r := &Renderer{cfg: cfg}
	if cfg.MaxParallel > 0 {
		r.slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	r.browser, r.stop = chromedp.NewExecAllocator(context.Background(), opts...)
	return r, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.stop()
}

// Fetch loads request.URL in a fresh tab, waits for the DOM to settle and
// returns the serialized document with the headers of the top-level response.
func (r *Renderer) Fetch(ctx context.Context, request annotator.FetchRequest) (annotator.FetchResponse, error) {
	if err := r.acquire(ctx); err != nil {
		return annotator.FetchResponse{}, err
	}
	defer r.release()

	tab, closeTab := chromedp.NewContext(r.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, r.cfg.NavigationTimeout)
	defer cancel()
	// Stop the tab when the caller gives up.
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		r.prepare(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitForStableDOM(r.cfg.SettleTimeout),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return annotator.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, headers, responseURL := doc.result(request.URL, location)
	return annotator.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (r *Renderer) prepare(request annotator.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := r.userAgent(request); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(request.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(request.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// waitForStableDOM polls the document size until two reads agree or limit
// passes. Running out of time is not an error: the snapshot is taken as is.
func waitForStableDOM(limit time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(limit)
		last := -1
		for {
			var size int
			if err := chromedp.Evaluate(`document.documentElement.outerHTML.length`, &size).Do(ctx); err != nil {
				return fmt.Errorf("measure dom: %w", err)
			}
			if size == last || !time.Now().Before(deadline) {
				return nil
			}
			last = size
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(settlePoll):
			}
		}
	})
}

// userAgent prefers the reviewer's browser identity over the configured one.
func (r *Renderer) userAgent(request annotator.FetchRequest) string {
	if request.UserAgent != "" {
		return request.UserAgent
	}
	return r.cfg.UserAgent
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for a headless slot: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.slots != nil {
		<-r.slots
	}
}

// documentResponse keeps the first document response of a tab. Later
// document responses belong to iframes and must not replace the page's own
// framing headers.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(event.Response.Status)
	d.headers = headerFromNetwork(event.Response.Headers)
	d.url = event.Response.URL
}

// result falls back to the browser location, then the requested URL, and to
// 200 when no document response was observed.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func headerFromNetwork(src network.Headers) http.Header {
	h := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			h.Add(key, v)
		case []string:
			for _, entry := range v {
				h.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				h.Add(key, fmt.Sprint(entry))
			}
		default:
			h.Add(key, fmt.Sprint(v))
		}
	}
	return h
}

func networkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
