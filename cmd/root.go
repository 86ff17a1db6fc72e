package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/app"
	"github.com/JakeFAU/page-annotator/internal/config"
	"github.com/JakeFAU/page-annotator/internal/dataset"
	"github.com/JakeFAU/page-annotator/internal/logging"
	"github.com/JakeFAU/page-annotator/internal/probe"
)

var (
	cfgFile  string
	logLevel string
)

// ctxKeyType is the key type for values stored in the command context.
type ctxKeyType string

const (
	appKey ctxKeyType = "app"
	envKey ctxKeyType = "env"
)

// Annotation values for annotationNeeds. Commands default to needsApp.
const (
	annotationNeeds = "needs"
	needsNothing    = "nothing"
	needsConfig     = "config"
	needsApp        = "app"
)

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Dataset() *dataset.Dataset
	Store() annotator.Store
	Prober() *probe.Prober
	Handler() http.Handler
}

// env is the loaded configuration and logger shared by every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotator",
		Short: "Review dataset rows next to the web pages they point at.",
		Long: `annotator serves a review API over a CSV dataset: each row's URL is shown
in a frame, falling back to a sanitized same-origin copy when the site
refuses to be embedded, and reviewers record structured annotations that
are persisted to CSV, SQLite, Postgres or GCS.`,
		SilenceUsage: true,

		// Loads config and logging, then builds the application for the
		// commands that need it.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			needs := cmd.Annotations[annotationNeeds]
			if needs == needsNothing {
				return nil
			}
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			if cfg.Path != "" {
				logger.Debug("configuration loaded", zap.String("path", cfg.Path))
			}

			ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger})
			if needs != needsConfig {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		// Shuts services down and flushes the logger.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml when present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(),
		newCheckCmd(),
		newResumeCmd(),
		newReviewCmd(),
		newConfigsCmd(),
	)
	return cmd
}

// loadConfig reads path, or ./config.yaml (./config.yml) when path is empty.
// With neither, configuration comes from ANNOTATOR_* environment variables.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		candidates, err := config.Discover(".")
		if err != nil {
			return config.Config{}, err
		}
		if len(candidates) > 0 {
			switch filepath.Base(candidates[0]) {
			case "config.yaml", "config.yml":
				path = candidates[0]
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
