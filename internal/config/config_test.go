package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
http:
  timeout_seconds: 10
  user_agent: registrar-test
runner:
  max_registrations_per_invocation: 25
  max_retries_per_request: 3
  interval: 30s
fetcher:
  xna_enabled: true
  ad_id_blocklist: ["https://blocked.test"]
db:
  dsn: postgres://registrar@localhost/registrar
enrollment:
  backend: postgres
  cache_ttl: 10m
debug_report:
  enabled: true
storage:
  backend: local
  local_dir: /tmp/reports
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Runner.MaxRegistrationsPerInvocation != 25 || cfg.Runner.Interval != 30*time.Second {
		t.Fatalf("expected runner overrides to apply: %+v", cfg.Runner)
	}
	if !cfg.Fetcher.XNAEnabled || len(cfg.Fetcher.AdIDBlocklist) != 1 {
		t.Fatalf("expected fetcher overrides to apply: %+v", cfg.Fetcher)
	}
	if cfg.Enrollment.Backend != "postgres" || cfg.Enrollment.CacheTTL != 10*time.Minute {
		t.Fatalf("expected enrollment overrides to apply: %+v", cfg.Enrollment)
	}
	if !cfg.DebugReport.Enabled || !cfg.DebugReport.SourceEnabled {
		t.Fatalf("expected debug reports enabled with source default: %+v", cfg.DebugReport)
	}
	if cfg.Admission.MaxDistinctEnrollments != 10 {
		t.Fatalf("expected admission default, got %d", cfg.Admission.MaxDistinctEnrollments)
	}
	if got := cfg.FetchTimeout(); got != 10*time.Second {
		t.Fatalf("expected fetch timeout 10s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != "memory" || cfg.Enrollment.Backend != "static" {
		t.Fatalf("expected in-process defaults, got %+v %+v", cfg.Storage, cfg.Enrollment)
	}
	if cfg.Runner.MaxRetriesPerRequest != 5 || cfg.Runner.MaxRedirectsPerRegistration != 20 {
		t.Fatalf("unexpected runner defaults: %+v", cfg.Runner)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		HTTP:   HTTPConfig{TimeoutSeconds: 5},
		Runner: RunnerConfig{
			MaxRegistrationsPerInvocation: 10,
			MaxRetriesPerRequest:          5,
			MaxRedirectsPerRegistration:   20,
			Interval:                      time.Minute,
		},
		Admission: AdmissionConfig{
			MaxSourcesPerPublisher:    1,
			MaxTriggersPerDestination: 1,
			MaxDistinctDestinations:   1,
			MaxDistinctEnrollments:    1,
		},
		Enrollment: EnrollmentConfig{Backend: "static"},
		Storage:    StorageConfig{Backend: "memory"},
		Telemetry:  TelemetryConfig{SampleRatio: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"batch size", func(c *Config) { c.Runner.MaxRegistrationsPerInvocation = 0 }, "runner.max_registrations_per_invocation"},
		{"retries", func(c *Config) { c.Runner.MaxRetriesPerRequest = 0 }, "runner.max_retries_per_request"},
		{"interval", func(c *Config) { c.Runner.Interval = 0 }, "runner.interval"},
		{"admission", func(c *Config) { c.Admission.MaxDistinctDestinations = 0 }, "admission"},
		{"postgres enrollment without dsn", func(c *Config) { c.Enrollment.Backend = "postgres" }, "db.dsn"},
		{"unknown enrollment backend", func(c *Config) { c.Enrollment.Backend = "ldap" }, "enrollment.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local" }, "storage.local_dir"},
		{"subscription without project", func(c *Config) { c.PubSub.SubscriptionName = "wake" }, "pubsub.project_id"},
		{"sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
