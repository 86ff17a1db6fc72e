// Package config loads and validates annotator configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// Storage backends understood by the application wiring.
const (
	BackendCSV      = "csv"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// MinAutosaveSeconds is the lower bound applied to autosave.interval_seconds.
const MinAutosaveSeconds = 2

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Dataset    DatasetConfig    `mapstructure:"dataset"`
	Annotation AnnotationConfig `mapstructure:"annotation"`
	Viewer     ViewerConfig     `mapstructure:"viewer"`
	Autosave   AutosaveConfig   `mapstructure:"autosave"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`

	// Path is the config file the values were read from, if any.
	Path string `mapstructure:"-"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures upstream fetches made by the prober and the proxy.
type HTTPConfig struct {
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	ProbeTimeoutSeconds int     `mapstructure:"probe_timeout_seconds"`
	UserAgent           string  `mapstructure:"user_agent"`
	MaxBodyBytes        int     `mapstructure:"max_body_bytes"`
	RateLimitRPS        float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int     `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures rendered snapshots for script-heavy pages.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// DatasetConfig locates the rows under review.
type DatasetConfig struct {
	DataFile  string `mapstructure:"data_file"`
	URLColumn string `mapstructure:"url_column"`
	IDColumn  string `mapstructure:"id_column"`
}

// DisplayField is a dataset column shown next to the frame.
type DisplayField struct {
	Column      string `mapstructure:"column" json:"column"`
	Label       string `mapstructure:"label" json:"label"`
	Type        string `mapstructure:"type" json:"type"`
	Separator   string `mapstructure:"separator" json:"separator,omitempty"`
	Placeholder string `mapstructure:"placeholder" json:"placeholder,omitempty"`
	Help        string `mapstructure:"help" json:"help,omitempty"`
}

// AnnotationConfig describes the fields collected per row and where they go.
type AnnotationConfig struct {
	Output               string            `mapstructure:"output"`
	AnnotatorColumn      string            `mapstructure:"annotator_column"`
	DefaultListSeparator string            `mapstructure:"default_list_separator"`
	Fields               []annotator.Field `mapstructure:"fields"`
	DisplayFields        []DisplayField    `mapstructure:"display_fields"`
}

// ViewerConfig governs the embedded frame and proxy fallback.
type ViewerConfig struct {
	PreferProxy          bool `mapstructure:"prefer_proxy" json:"prefer_proxy"`
	AllowProxyToggle     bool `mapstructure:"allow_proxy_toggle" json:"allow_proxy_toggle"`
	AutoProxyOnBlock     bool `mapstructure:"auto_proxy_on_block" json:"auto_proxy_on_block"`
	OpenOriginalInNewTab bool `mapstructure:"open_original_in_new_tab" json:"open_original_in_new_tab"`
	FrameTimeoutMs       int  `mapstructure:"frame_timeout_ms" json:"frame_timeout_ms"`
}

// AutosaveConfig controls the debounced save timer.
type AutosaveConfig struct {
	Enabled         bool `mapstructure:"enabled" json:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds" json:"interval_seconds"`
}

// ProxyConfig controls caching of rewritten pages and probe results.
type ProxyConfig struct {
	CacheTTLSeconds      int `mapstructure:"cache_ttl_seconds"`
	ProbeCacheTTLSeconds int `mapstructure:"probe_cache_ttl_seconds"`
}

// StorageConfig selects the annotation store backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	GCSBucket  string `mapstructure:"gcs_bucket"`
	Prefix     string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for annotation-saved notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment. Relative dataset and output
// paths resolve against the config file's directory.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANNOTATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Path = path
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.probe_timeout_seconds", 10)
	v.SetDefault("http.user_agent", "PageAnnotator/1.0")
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("annotation.default_list_separator", annotator.DefaultListSeparator)
	v.SetDefault("annotation.annotator_column", "annotator")
	v.SetDefault("viewer.prefer_proxy", false)
	v.SetDefault("viewer.allow_proxy_toggle", true)
	v.SetDefault("viewer.auto_proxy_on_block", true)
	v.SetDefault("viewer.open_original_in_new_tab", true)
	v.SetDefault("viewer.frame_timeout_ms", 4500)
	v.SetDefault("autosave.enabled", true)
	v.SetDefault("autosave.interval_seconds", 6)
	v.SetDefault("proxy.cache_ttl_seconds", 300)
	v.SetDefault("proxy.probe_cache_ttl_seconds", 60)
	v.SetDefault("storage.backend", BackendCSV)
	v.SetDefault("storage.prefix", "annotations")
	v.SetDefault("db.table", "annotations")
	v.SetDefault("telemetry.service_name", "page-annotator")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func (c *Config) normalize() {
	if c.Autosave.IntervalSeconds < MinAutosaveSeconds {
		c.Autosave.IntervalSeconds = MinAutosaveSeconds
	}
	c.Annotation.AnnotatorColumn = strings.TrimSpace(c.Annotation.AnnotatorColumn)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	for i := range c.Annotation.Fields {
		if c.Annotation.Fields[i].Type == "" {
			c.Annotation.Fields[i].Type = annotator.FieldText
		}
	}
	for i := range c.Annotation.DisplayFields {
		if c.Annotation.DisplayFields[i].Type == "" {
			c.Annotation.DisplayFields[i].Type = "text"
		}
	}
	if c.Path == "" {
		return
	}
	root := filepath.Dir(c.Path)
	c.Dataset.DataFile = resolve(root, c.Dataset.DataFile)
	c.Annotation.Output = resolve(root, c.Annotation.Output)
	c.Storage.SQLitePath = resolve(root, c.Storage.SQLitePath)
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Dataset.DataFile == "" {
		return fmt.Errorf("dataset.data_file is required")
	}
	if c.Dataset.URLColumn == "" {
		return fmt.Errorf("dataset.url_column is required")
	}
	if len(c.Annotation.Fields) == 0 {
		return fmt.Errorf("at least one annotation field is required")
	}
	seen := make(map[string]struct{}, len(c.Annotation.Fields))
	for _, f := range c.Annotation.Fields {
		if err := f.Validate(); err != nil {
			return err
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate annotation field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	if _, clash := seen[c.Annotation.AnnotatorColumn]; clash {
		return fmt.Errorf("annotation.annotator_column %q is also an annotation field", c.Annotation.AnnotatorColumn)
	}
	for _, d := range c.Annotation.DisplayFields {
		if d.Column == "" || d.Label == "" {
			return fmt.Errorf("display fields must include both column and label")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Viewer.FrameTimeoutMs <= 0 {
		return fmt.Errorf("viewer.frame_timeout_ms must be > 0")
	}
	return c.validateStorage()
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendCSV:
		if c.Annotation.Output == "" {
			return fmt.Errorf("annotation.output is required for the csv backend")
		}
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// Schema returns the annotation schema used by the value codec.
func (c Config) Schema() annotator.Schema {
	return annotator.Schema{
		Fields:           append([]annotator.Field(nil), c.Annotation.Fields...),
		DefaultSeparator: c.Annotation.DefaultListSeparator,
	}
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// RequestTimeout bounds proxy fetches.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ProbeTimeout bounds header probes.
func (c Config) ProbeTimeout() time.Duration {
	if c.HTTP.ProbeTimeoutSeconds <= 0 {
		return c.RequestTimeout()
	}
	return time.Duration(c.HTTP.ProbeTimeoutSeconds) * time.Second
}

// FrameTimeout is the watchdog window for live frames.
func (c Config) FrameTimeout() time.Duration {
	return time.Duration(c.Viewer.FrameTimeoutMs) * time.Millisecond
}

// AutosaveInterval is the debounce delay after the last edit.
func (c Config) AutosaveInterval() time.Duration {
	return time.Duration(c.Autosave.IntervalSeconds) * time.Second
}

// ClientView is the subset of configuration exposed to the review client.
type ClientView struct {
	Viewer               ViewerConfig      `json:"viewer"`
	DisplayFields        []DisplayField    `json:"displayFields"`
	AnnotationFields     []annotator.Field `json:"annotationFields"`
	DefaultListSeparator string            `json:"defaultListSeparator"`
	Autosave             AutosaveConfig    `json:"autosave"`
	AnnotatorColumn      string            `json:"annotatorColumn,omitempty"`
}

// Client returns the client-facing view of the configuration.
func (c Config) Client() ClientView {
	display := c.Annotation.DisplayFields
	if display == nil {
		display = []DisplayField{}
	}
	return ClientView{
		Viewer:               c.Viewer,
		DisplayFields:        display,
		AnnotationFields:     c.Annotation.Fields,
		DefaultListSeparator: c.Annotation.DefaultListSeparator,
		Autosave:             c.Autosave,
		AnnotatorColumn:      c.Annotation.AnnotatorColumn,
	}
}
