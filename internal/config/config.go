// Package config loads the daemon configuration from a YAML file and
// HOMEDECK_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/homedeck/homedeck/internal/catchup"
	"github.com/homedeck/homedeck/internal/database"
	"github.com/homedeck/homedeck/internal/schedule"
	"github.com/homedeck/homedeck/internal/source"
	"github.com/homedeck/homedeck/internal/supervisor"
)

// KindHTTP is the only source kind built into the daemon.
const KindHTTP = "http"

// ErrInvalidConfig is returned when the loaded configuration is unusable.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the daemon configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  database.Config `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`

	Observations ObservationsConfig `mapstructure:"observations"`
	Sources      []SourceConfig     `mapstructure:"sources"`
}

// HTTPConfig configures the ops and control API.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`

	// OperatorKey signs operator tokens. Control endpoints are disabled
	// when empty.
	OperatorKey string `mapstructure:"operator_key"`

	// ControlRateLimit is the number of control requests allowed per
	// minute and client.
	ControlRateLimit int `mapstructure:"control_rate_limit"`

	// RequireTLS rejects requests a proxy forwarded over plain HTTP.
	RequireTLS bool `mapstructure:"require_tls"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Environment  string  `mapstructure:"environment"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// PubSubConfig configures the remote control subscription. Disabled when
// ProjectID is empty.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Subscription string `mapstructure:"subscription"`
}

// Enabled reports whether remote control is configured.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != ""
}

// ObservationsConfig configures retention of the observation store.
type ObservationsConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// SourceConfig describes one polled source and its tuning.
type SourceConfig struct {
	ID         string            `mapstructure:"id"`
	Kind       string            `mapstructure:"kind"`
	URL        string            `mapstructure:"url"`
	HistoryURL string            `mapstructure:"history_url"`
	Headers    map[string]string `mapstructure:"headers"`

	// Disabled sources are registered but not started.
	Disabled bool `mapstructure:"disabled"`

	BaseInterval    time.Duration `mapstructure:"base_interval"`
	InitialSlack    time.Duration `mapstructure:"initial_slack"`
	MinimumInterval time.Duration `mapstructure:"minimum_interval"`
	MaximumInterval time.Duration `mapstructure:"maximum_interval"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MaxObservations int           `mapstructure:"max_observations"`
	OutlierFactor   float64       `mapstructure:"outlier_factor"`

	CatchupWindow     time.Duration `mapstructure:"catchup_window"`
	CatchupAttemptCap int           `mapstructure:"catchup_attempt_cap"`
	CatchupMaxPerPass int           `mapstructure:"catchup_max_per_pass"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RequestRetries int           `mapstructure:"request_retries"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// Load reads the configuration. An empty path searches config.yaml in
// ".", "./config" and "/etc/homedeck/"; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HOMEDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/homedeck/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.operator_key", "")
	v.SetDefault("http.control_rate_limit", 30)
	v.SetDefault("http.require_tls", false)
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "homedeck")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "homedeck")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription", "homedeck-control")
	v.SetDefault("observations.retention", "720h")
	v.SetDefault("observations.prune_interval", "1h")
}

func (c *Config) applyDefaults() {
	for i := range c.Sources {
		c.Sources[i].applyDefaults()
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0, 1]"))
	}
	if c.Observations.Retention <= 0 {
		errs = append(errs, errors.New("observations.retention must be positive"))
	}
	if c.PubSub.Enabled() && c.PubSub.Subscription == "" {
		errs = append(errs, errors.New("pubsub.subscription is required with pubsub.project_id"))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
			continue
		}
		if s.CatchupWindow > c.Observations.Retention {
			errs = append(errs, fmt.Errorf("sources[%d]: catchup_window exceeds observations.retention", i))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}

func (s *SourceConfig) applyDefaults() {
	if s.Kind == "" {
		s.Kind = KindHTTP
	}
	if s.MinimumInterval == 0 {
		s.MinimumInterval = 30 * time.Second
	}
	if s.BaseInterval == 0 {
		s.BaseInterval = 5 * time.Minute
	}
	if s.MaximumInterval == 0 {
		s.MaximumInterval = 4 * max(s.BaseInterval, s.MinimumInterval)
	}
	if s.InitialSlack == 0 {
		s.InitialSlack = 30 * time.Second
	}
	if s.RetryInterval == 0 {
		s.RetryInterval = s.MinimumInterval
	}
}

func (s SourceConfig) validate() error {
	switch {
	case s.ID == "":
		return errors.New("id is required")
	case s.Kind != KindHTTP:
		return fmt.Errorf("source %s: unsupported kind %q", s.ID, s.Kind)
	case s.URL == "":
		return fmt.Errorf("source %s: url is required", s.ID)
	case s.CatchupWindow < 0:
		return fmt.Errorf("source %s: catchup_window must not be negative", s.ID)
	case s.CatchupWindow > 0 && s.HistoryURL == "":
		return fmt.Errorf("source %s: catchup_window requires history_url", s.ID)
	}
	if err := s.ScheduleConfig().Validate(); err != nil {
		return fmt.Errorf("source %s: %w", s.ID, err)
	}
	return nil
}

// ScheduleConfig returns the predictor tuning of the source.
func (s SourceConfig) ScheduleConfig() schedule.Config {
	return schedule.Config{
		BaseInterval:    s.BaseInterval,
		InitialSlack:    s.InitialSlack,
		MinimumInterval: s.MinimumInterval,
		MaximumInterval: s.MaximumInterval,
		RetryInterval:   s.RetryInterval,
		MaxRetries:      s.MaxRetries,
		MaxObservations: s.MaxObservations,
		OutlierFactor:   s.OutlierFactor,
	}
}

// SupervisorConfig returns the supervisor configuration polling src. The
// registry fills in the dispatcher, metrics and logger.
func (s SourceConfig) SupervisorConfig(src source.Source) supervisor.Config {
	return supervisor.Config{
		Source:        src,
		Schedule:      s.ScheduleConfig(),
		CatchupWindow: s.CatchupWindow,
		Catchup: catchup.Config{
			AttemptCap: s.CatchupAttemptCap,
			MaxPerPass: s.CatchupMaxPerPass,
		},
		ReconcileInterval: s.ReconcileInterval,
		FetchTimeout:      s.FetchTimeout,
	}
}

// Header returns the configured request headers.
func (s SourceConfig) Header() http.Header {
	h := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		h.Set(k, v)
	}
	return h
}
