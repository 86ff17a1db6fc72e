package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	collyfetcher "github.com/JakeFAU/page-annotator/internal/fetcher/colly"
	"github.com/JakeFAU/page-annotator/internal/hash/sha256"
	"github.com/JakeFAU/page-annotator/internal/policy/simple"
)

func newUpstream(t *testing.T, hits *atomic.Int32, seenUA *atomic.Value) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		seenUA.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = w.Write([]byte(`<html><head><title>t</title></head><body><img src="pic.png"><a href="/files/r.pdf">r</a></body></html>`))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/files/r.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	fetcher := collyfetcher.NewWithTransport(collyfetcher.Config{Timeout: 5 * time.Second}, http.DefaultTransport)
	svc, err := New(Deps{Fetcher: fetcher, Hasher: sha256.New(), Logger: zap.NewNop()}, opts)
	require.NoError(t, err)
	return svc
}

func TestFetchRewritesAndForwardsUserAgent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var seenUA atomic.Value
	srv := newUpstream(t, &hits, &seenUA)
	svc := newService(t, Options{UserAgent: "PageAnnotator/1.0"})

	page, err := svc.Fetch(context.Background(), srv.URL+"/article", "Reviewer-Browser/9")
	require.NoError(t, err)
	require.Equal(t, "Reviewer-Browser/9", seenUA.Load())
	require.Equal(t, HTMLContentType, page.ContentType)
	require.NotEmpty(t, page.ETag)

	body := string(page.Body)
	require.Contains(t, body, `<base href="`+srv.URL+`/article"`)
	require.Contains(t, body, `src="`+srv.URL+`/pic.png"`)
	require.Contains(t, body, `/api/proxy/resource?url=`)
}

func TestFetchDefaultsUserAgent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var seenUA atomic.Value
	srv := newUpstream(t, &hits, &seenUA)
	svc := newService(t, Options{UserAgent: "PageAnnotator/1.0"})

	_, err := svc.Fetch(context.Background(), srv.URL+"/article", "  ")
	require.NoError(t, err)
	require.Equal(t, "PageAnnotator/1.0", seenUA.Load())
}

func TestFetchNonSuccessIsFetchError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var seenUA atomic.Value
	srv := newUpstream(t, &hits, &seenUA)
	svc := newService(t, Options{})

	_, err := svc.Fetch(context.Background(), srv.URL+"/gone", "")
	var fetchErr *annotator.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, http.StatusGone, fetchErr.StatusCode)
}

func TestFetchUnreachableIsFetchError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := newService(t, Options{}).Fetch(context.Background(), addr+"/x", "")
	var fetchErr *annotator.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, fetchErr.StatusCode)
}

func TestFetchRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	_, err := newService(t, Options{}).Fetch(context.Background(), "file:///etc/passwd", "")
	require.ErrorIs(t, err, simple.ErrUnsupportedURL)
	require.True(t, errors.As(err, new(*annotator.FetchError)))
}

func TestFetchCachesPerUserAgent(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var seenUA atomic.Value
	srv := newUpstream(t, &hits, &seenUA)
	svc := newService(t, Options{CacheTTL: time.Minute})
	ctx := context.Background()

	first, err := svc.Fetch(ctx, srv.URL+"/article", "A")
	require.NoError(t, err)
	second, err := svc.Fetch(ctx, srv.URL+"/article", "A")
	require.NoError(t, err)
	require.Equal(t, first.ETag, second.ETag)
	require.EqualValues(t, 1, hits.Load())

	_, err = svc.Fetch(ctx, srv.URL+"/article", "B")
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
}

// gatedFetcher holds every fetch until release is closed.
type gatedFetcher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *gatedFetcher) Fetch(ctx context.Context, req annotator.FetchRequest) (annotator.FetchResponse, error) {
	f.calls.Add(1)
	select {
	case <-f.release:
	case <-ctx.Done():
		return annotator.FetchResponse{}, ctx.Err()
	}
	return annotator.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html><body>burst</body></html>"),
	}, nil
}

func TestFetchCachesMergedBurst(t *testing.T) {
	t.Parallel()

	fetcher := &gatedFetcher{release: make(chan struct{})}
	svc, err := New(Deps{Fetcher: fetcher, Logger: zap.NewNop()}, Options{CacheTTL: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()
	const target = "https://burst.example/page"

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Fetch(ctx, target, "A")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	upstream := fetcher.calls.Load()
	_, err = svc.Fetch(ctx, target, "A")
	require.NoError(t, err)
	require.Equal(t, upstream, fetcher.calls.Load(), "a merged fetch must still fill the cache")
}

func TestResourcePassThrough(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var seenUA atomic.Value
	srv := newUpstream(t, &hits, &seenUA)
	svc := newService(t, Options{})

	res, err := svc.Resource(context.Background(), srv.URL+"/files/r.pdf", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/pdf", res.ContentType)
	require.Equal(t, "%PDF-1.4", string(res.Body))

	_, err = svc.Resource(context.Background(), "ftp://files.example/r.pdf", "")
	require.ErrorIs(t, err, simple.ErrUnsupportedURL)
}

type stubFetcher struct {
	resp  annotator.FetchResponse
	err   error
	calls atomic.Int32
}

func (s *stubFetcher) Fetch(context.Context, annotator.FetchRequest) (annotator.FetchResponse, error) {
	s.calls.Add(1)
	return s.resp, s.err
}

type alwaysPromote struct{}

func (alwaysPromote) ShouldPromote(annotator.FetchResponse) bool { return true }

func TestHeadlessPromotion(t *testing.T) {
	t.Parallel()

	html := http.Header{"Content-Type": []string{"text/html"}}
	static := &stubFetcher{resp: annotator.FetchResponse{
		URL: "https://spa.example/", StatusCode: 200, Headers: html, Body: []byte(`<div id="root"></div>`),
	}}
	rendered := &stubFetcher{resp: annotator.FetchResponse{
		URL: "https://spa.example/", StatusCode: 200, Headers: html, UsedHeadless: true,
		Body: []byte(`<div id="root"><p>rendered</p></div>`),
	}}

	svc, err := New(Deps{Fetcher: static, Headless: rendered, Detector: alwaysPromote{}}, Options{})
	require.NoError(t, err)
	page, err := svc.Fetch(context.Background(), "https://spa.example/", "")
	require.NoError(t, err)
	require.True(t, page.Headless)
	require.True(t, strings.Contains(string(page.Body), "rendered"))
	require.EqualValues(t, 1, rendered.calls.Load())
}

func TestHeadlessFailureServesStaticCopy(t *testing.T) {
	t.Parallel()

	html := http.Header{"Content-Type": []string{"text/html"}}
	static := &stubFetcher{resp: annotator.FetchResponse{
		URL: "https://spa.example/", StatusCode: 200, Headers: html, Body: []byte(`<div id="app">static</div>`),
	}}
	broken := &stubFetcher{err: errors.New("chrome not found")}

	svc, err := New(Deps{Fetcher: static, Headless: broken, Detector: alwaysPromote{}}, Options{})
	require.NoError(t, err)
	page, err := svc.Fetch(context.Background(), "https://spa.example/", "")
	require.NoError(t, err)
	require.False(t, page.Headless)
	require.Contains(t, string(page.Body), "static")
}

func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Options{})
	require.Error(t, err)
}
