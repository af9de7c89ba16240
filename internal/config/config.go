// Package config loads and validates registrar configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	DB          DBConfig          `mapstructure:"db"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Enrollment  EnrollmentConfig  `mapstructure:"enrollment"`
	DebugReport DebugReportConfig `mapstructure:"debug_report"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the registration fetch client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// RateLimitConfig paces fetches per registration origin.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// RunnerConfig bounds queue processing.
type RunnerConfig struct {
	MaxRegistrationsPerInvocation int           `mapstructure:"max_registrations_per_invocation"`
	MaxRetriesPerRequest          int           `mapstructure:"max_retries_per_request"`
	MaxRedirectsPerRegistration   int           `mapstructure:"max_redirects_per_registration"`
	Interval                      time.Duration `mapstructure:"interval"`
}

// FetcherConfig holds parsing feature flags and allowlists.
type FetcherConfig struct {
	EnrollmentCheckDisabled       bool     `mapstructure:"enrollment_check_disabled"`
	CoarseEventReportDestinations bool     `mapstructure:"coarse_event_report_destinations"`
	XNAEnabled                    bool     `mapstructure:"xna_enabled"`
	WebContextClientAllowlist     []string `mapstructure:"web_context_client_allowlist"`
	AdIDBlocklist                 []string `mapstructure:"ad_id_blocklist"`
	JoinKeyAllowlist              []string `mapstructure:"join_key_allowlist"`
}

// AdmissionConfig caps what a single publisher or destination may store.
type AdmissionConfig struct {
	MaxSourcesPerPublisher    int64 `mapstructure:"max_sources_per_publisher"`
	MaxTriggersPerDestination int64 `mapstructure:"max_triggers_per_destination"`
	MaxDistinctDestinations   int64 `mapstructure:"max_distinct_destinations"`
	MaxDistinctEnrollments    int64 `mapstructure:"max_distinct_enrollments"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory datastore.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// RedisConfig configures the enrollment cache. An empty URL disables it.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EnrollmentConfig selects how registration URIs map to enrollments.
type EnrollmentConfig struct {
	// Backend is "static" or "postgres".
	Backend     string            `mapstructure:"backend"`
	Sites       map[string]string `mapstructure:"sites"`
	CacheTTL    time.Duration     `mapstructure:"cache_ttl"`
	NegativeTTL time.Duration     `mapstructure:"negative_ttl"`
}

// DebugReportConfig gates verbose debug reports and their export.
type DebugReportConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SourceEnabled  bool   `mapstructure:"source_enabled"`
	TriggerEnabled bool   `mapstructure:"trigger_enabled"`
	ExportPrefix   string `mapstructure:"export_prefix"`
	ExportBatch    int    `mapstructure:"export_batch"`
}

// PubSubConfig holds the change-notification topic and wake subscription.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TopicName        string `mapstructure:"topic_name"`
	SubscriptionName string `mapstructure:"subscription_name"`
}

// StorageConfig selects the blob store used for debug report exports.
type StorageConfig struct {
	// Backend is "gcs", "local" or "memory".
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	LocalDir string `mapstructure:"local_dir"`
}

// TelemetryConfig controls tracing and header-size reporting.
type TelemetryConfig struct {
	ServiceName             string  `mapstructure:"service_name"`
	SampleRatio             float64 `mapstructure:"sample_ratio"`
	MaxResponsePayloadBytes int64   `mapstructure:"max_response_payload_bytes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REGISTRAR")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.timeout_seconds", 5)
	v.SetDefault("http.user_agent", "attribution-registrar/0.1")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.default_rps", 10)
	v.SetDefault("rate_limit.default_burst", 5)
	v.SetDefault("runner.max_registrations_per_invocation", 100)
	v.SetDefault("runner.max_retries_per_request", 5)
	v.SetDefault("runner.max_redirects_per_registration", 20)
	v.SetDefault("runner.interval", time.Minute)
	v.SetDefault("fetcher.enrollment_check_disabled", false)
	v.SetDefault("fetcher.coarse_event_report_destinations", false)
	v.SetDefault("fetcher.xna_enabled", false)
	v.SetDefault("admission.max_sources_per_publisher", 1024)
	v.SetDefault("admission.max_triggers_per_destination", 1024)
	v.SetDefault("admission.max_distinct_destinations", 100)
	v.SetDefault("admission.max_distinct_enrollments", 10)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", time.Second)
	v.SetDefault("redis.write_timeout", time.Second)
	v.SetDefault("enrollment.backend", "static")
	v.SetDefault("enrollment.cache_ttl", time.Hour)
	v.SetDefault("enrollment.negative_ttl", 5*time.Minute)
	v.SetDefault("debug_report.enabled", false)
	v.SetDefault("debug_report.source_enabled", true)
	v.SetDefault("debug_report.trigger_enabled", true)
	v.SetDefault("debug_report.export_prefix", "debug-reports")
	v.SetDefault("debug_report.export_batch", 500)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("telemetry.service_name", "attribution-registrar")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.max_response_payload_bytes", 16384)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Runner.MaxRegistrationsPerInvocation <= 0 {
		return fmt.Errorf("runner.max_registrations_per_invocation must be > 0")
	}
	if c.Runner.MaxRetriesPerRequest <= 0 {
		return fmt.Errorf("runner.max_retries_per_request must be > 0")
	}
	if c.Runner.MaxRedirectsPerRegistration < 0 {
		return fmt.Errorf("runner.max_redirects_per_registration must be >= 0")
	}
	if c.Runner.Interval <= 0 {
		return fmt.Errorf("runner.interval must be > 0")
	}
	if c.Admission.MaxSourcesPerPublisher <= 0 || c.Admission.MaxTriggersPerDestination <= 0 ||
		c.Admission.MaxDistinctDestinations <= 0 || c.Admission.MaxDistinctEnrollments <= 0 {
		return fmt.Errorf("admission limits must be > 0")
	}
	switch c.Enrollment.Backend {
	case "static":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("enrollment.backend postgres requires db.dsn")
		}
	default:
		return fmt.Errorf("enrollment.backend must be static or postgres, got %q", c.Enrollment.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs, local or memory, got %q", c.Storage.Backend)
	}
	if c.PubSub.SubscriptionName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a subscription is configured")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// FetchTimeout is the connect and read timeout of a registration fetch.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
