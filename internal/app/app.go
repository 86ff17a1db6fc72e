// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/api"
	"github.com/JakeFAU/page-annotator/internal/clock/system"
	"github.com/JakeFAU/page-annotator/internal/config"
	"github.com/JakeFAU/page-annotator/internal/dataset"
	collyfetcher "github.com/JakeFAU/page-annotator/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/page-annotator/internal/fetcher/headless"
	"github.com/JakeFAU/page-annotator/internal/hash/sha256"
	"github.com/JakeFAU/page-annotator/internal/headless/detector"
	"github.com/JakeFAU/page-annotator/internal/id/uuid"
	"github.com/JakeFAU/page-annotator/internal/policy/ratelimit"
	"github.com/JakeFAU/page-annotator/internal/probe"
	"github.com/JakeFAU/page-annotator/internal/proxy"
	memorypublisher "github.com/JakeFAU/page-annotator/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/page-annotator/internal/publisher/pubsub"
	"github.com/JakeFAU/page-annotator/internal/rewrite"
	"github.com/JakeFAU/page-annotator/internal/storage/csvfile"
	"github.com/JakeFAU/page-annotator/internal/storage/gcs"
	"github.com/JakeFAU/page-annotator/internal/storage/memory"
	"github.com/JakeFAU/page-annotator/internal/storage/postgres"
	"github.com/JakeFAU/page-annotator/internal/storage/publishing"
	"github.com/JakeFAU/page-annotator/internal/storage/sqlite"
	"github.com/JakeFAU/page-annotator/internal/telemetry"
)

// ErrClosed is reported by the readiness check once Close has started.
var ErrClosed = errors.New("application is shutting down")

type publisher interface {
	annotator.Publisher
	Close() error
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and handed to the commands that need it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	rows      *dataset.Dataset
	store     annotator.Store
	publisher publisher
	prober    *probe.Prober
	proxy     *proxy.Service
	headless  *headlessfetcher.Renderer
	server    *api.Server

	closers   []func() error
	closing   atomic.Bool
	closeOnce sync.Once
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Dataset returns the rows under review.
func (a *App) Dataset() *dataset.Dataset { return a.rows }

// Store returns the annotation store, wrapped so saves publish events.
func (a *App) Store() annotator.Store { return a.store }

// Prober returns the frame prober.
func (a *App) Prober() *probe.Prober { return a.prober }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Ready fails once shutdown has begun so load balancers stop routing.
func (a *App) Ready(context.Context) error {
	if a.closing.Load() {
		return ErrClosed
	}
	return nil
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	store     annotator.Store
	publisher publisher
}

// WithStore bypasses storage.backend and uses store instead.
func WithStore(store annotator.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPublisher bypasses the pubsub settings and publishes through p.
func WithPublisher(p annotator.Publisher) Option {
	return func(o *options) {
		if pc, ok := p.(publisher); ok {
			o.publisher = pc
			return
		}
		o.publisher = nopCloser{Publisher: p}
	}
}

type nopCloser struct{ annotator.Publisher }

func (nopCloser) Close() error { return nil }

// NewApp creates and initializes a new App from cfg. It fails fast if any
// critical service cannot be initialized; partially built services are
// released before returning.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	logger.Info("initializing application services")

	a.rows, err = dataset.Load(cfg.Dataset.DataFile, dataset.Options{
		URLColumn: cfg.Dataset.URLColumn,
		IDColumn:  cfg.Dataset.IDColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	logger.Info("dataset loaded", zap.String("path", cfg.Dataset.DataFile), zap.Int("rows", a.rows.Len()))

	inner := o.store
	if inner == nil {
		if inner, err = a.openStore(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
	}
	a.closers = append(a.closers, inner.Close)

	a.publisher = o.publisher
	if a.publisher == nil {
		if a.publisher, err = a.openPublisher(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize publisher: %w", err)
		}
	}
	a.closers = append(a.closers, a.publisher.Close)

	if cfg.Telemetry.TracingEnabled {
		if err = a.initTracing(ctx); err != nil {
			return nil, err
		}
	}
	a.store = publishing.New(inner, a.publisher, uuid.New(), system.New(), logger)

	if err = a.buildFetchers(); err != nil {
		return nil, err
	}

	a.server, err = api.NewServer(api.Deps{
		Dataset: a.rows,
		Store:   a.store,
		Prober:  a.prober,
		Proxy:   a.proxy,
		Config:  cfg,
		Logger:  logger,
		Ready:   a.Ready,
	})
	if err != nil {
		return nil, fmt.Errorf("build api server: %w", err)
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) openStore(ctx context.Context) (annotator.Store, error) {
	cfg := a.cfg
	switch cfg.Storage.Backend {
	case config.BackendCSV:
		a.logger.Info("using csv annotation store", zap.String("path", cfg.Annotation.Output))
		return csvfile.New(csvfile.Config{
			Path:            cfg.Annotation.Output,
			Dataset:         a.rows,
			Fields:          cfg.Schema().Names(),
			AnnotatorColumn: cfg.Annotation.AnnotatorColumn,
		})
	case config.BackendMemory:
		a.logger.Info("using in-memory annotation store; annotations are discarded on exit")
		return memory.NewAnnotationStore(nil), nil
	case config.BackendSQLite:
		a.logger.Info("using sqlite annotation store", zap.String("path", cfg.Storage.SQLitePath))
		return sqlite.Open(ctx, cfg.Storage.SQLitePath)
	case config.BackendPostgres:
		a.logger.Info("connecting to postgres", zap.String("table", cfg.DB.Table))
		return postgres.NewAnnotationStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
	case config.BackendGCS:
		a.logger.Info("using gcs annotation store", zap.String("bucket", cfg.Storage.GCSBucket))
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// openPublisher connects to Pub/Sub when both project and topic are set.
// Otherwise events stay in process, which keeps local runs dependency free.
func (a *App) openPublisher(ctx context.Context) (publisher, error) {
	ps := a.cfg.PubSub
	if ps.ProjectID == "" || ps.TopicName == "" {
		a.logger.Info("pubsub not configured; annotation events kept in memory")
		return memorypublisher.New(), nil
	}
	a.logger.Info("connecting to GCP Pub/Sub", zap.String("project", ps.ProjectID), zap.String("topic", ps.TopicName))
	client, err := gcppubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.Connect(ctx, client, ps.TopicName)
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			a.logger.Warn("close pubsub client", zap.Error(cerr))
		}
		return nil, err
	}
	return pub, nil
}

func (a *App) initTracing(ctx context.Context) error {
	tc := a.cfg.Telemetry
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: tc.ServiceName,
		ProjectID:   tc.ProjectID,
		SampleRatio: tc.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.logger.Info("tracing enabled", zap.String("service", tc.ServiceName), zap.Bool("export", tc.ProjectID != ""))
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	return nil
}

func (a *App) buildFetchers() error {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitRPS,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.RequestTimeout(),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, limiter)

	a.prober = probe.New(fetcher, a.logger, probe.Options{
		Timeout:   cfg.ProbeTimeout(),
		CacheTTL:  seconds(cfg.Proxy.ProbeCacheTTLSeconds),
		UserAgent: cfg.HTTP.UserAgent,
	})

	deps := proxy.Deps{
		Fetcher:  fetcher,
		Rewriter: rewrite.New(rewrite.DefaultResourcePath),
		Hasher:   sha256.New(),
		Clock:    system.New(),
		Logger:   a.logger,
	}
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: seconds(cfg.Headless.NavTimeoutSec),
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed; serving static copies only", zap.Error(err))
		} else {
			a.headless = hf
			deps.Headless = hf
			deps.Detector = detector.NewHeuristic(cfg.Headless.PromotionThresh)
		}
	}

	svc, err := proxy.New(deps, proxy.Options{
		UserAgent: cfg.HTTP.UserAgent,
		CacheTTL:  seconds(cfg.Proxy.CacheTTLSeconds),
	})
	if err != nil {
		return fmt.Errorf("build proxy: %w", err)
	}
	a.proxy = svc
	return nil
}

// Close gracefully shuts down all services in the App container, in reverse
// order of creation.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.closing.Store(true)
		a.logger.Info("shutting down application services")
		if a.headless != nil {
			a.headless.Close()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.logger.Warn("error closing service", zap.Error(err))
			}
		}
	})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
