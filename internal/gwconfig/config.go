// Package gwconfig loads gatewayd's configuration from a YAML file with
// environment variable overrides, grounded on the teacher's pkg/config
// pattern (godotenv for local .env loading, envdecode for env overrides,
// yaml.v3 for the file form).
package gwconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StateConfig selects and tunes the state substrate backend (spec §6
// "Configuration ... state backend").
type StateConfig struct {
	Backend         string `yaml:"backend" env:"STATE_BACKEND"` // "memory" | "redis"
	RedisAddr       string `yaml:"redis_addr" env:"STATE_REDIS_ADDR"`
	RedisDB         int    `yaml:"redis_db" env:"STATE_REDIS_DB"`
	CleanupInterval int    `yaml:"cleanup_interval_seconds" env:"STATE_CLEANUP_INTERVAL_SECONDS"`
}

// ExecutorConfig mirrors spec §6's recognized executor section.
type ExecutorConfig struct {
	MaxRetries    int  `yaml:"max_retries" env:"EXECUTOR_MAX_RETRIES"`
	TimeoutSecs   int  `yaml:"timeout_seconds" env:"EXECUTOR_TIMEOUT_SECONDS"`
	MaxConcurrent int  `yaml:"max_concurrent" env:"EXECUTOR_MAX_CONCURRENT"`
	DLQEnabled    bool `yaml:"dlq_enabled" env:"EXECUTOR_DLQ_ENABLED"`
}

// RulesConfig is the rules section (spec §6 "rules (directory, default
// timezone)").
type RulesConfig struct {
	Directory       string `yaml:"directory" env:"RULES_DIRECTORY"`
	DefaultTimezone string `yaml:"default_timezone" env:"RULES_DEFAULT_TIMEZONE"`
}

// ChainsConfig is the chains section (spec §6 "chains (definitions, max
// concurrent advances, completed TTL)").
type ChainsConfig struct {
	Directory             string `yaml:"directory" env:"CHAINS_DIRECTORY"`
	MaxConcurrentAdvances int    `yaml:"max_concurrent_advances" env:"CHAINS_MAX_CONCURRENT_ADVANCES"`
	CompletedTTLSeconds   int    `yaml:"completed_ttl_seconds" env:"CHAINS_COMPLETED_TTL_SECONDS"`
}

// PluginsConfig is the plugin sandbox section (spec §4.6 registration,
// §6 configuration surface).
type PluginsConfig struct {
	Directory        string `yaml:"directory" env:"PLUGINS_DIRECTORY"`
	MemoryLimitBytes int64  `yaml:"memory_limit_bytes" env:"PLUGINS_MEMORY_LIMIT_BYTES"`
	TimeoutMS        int64  `yaml:"timeout_ms" env:"PLUGINS_TIMEOUT_MS"`
}

// ProviderConfig is one named outbound webhook target (spec §4.3
// Provider, §6 "Provider contract"). gatewayd's default Provider
// implementation (adapters/providerhttp) is a plain JSON webhook; a
// deployment with more exotic providers registers them in code instead.
type ProviderConfig struct {
	Name          string            `yaml:"name"`
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	TimeoutSecs   int               `yaml:"timeout_seconds"`
}

// DLQConfig selects and tunes the dead-letter sink (spec §4.3 DLQ).
type DLQConfig struct {
	Backend       string `yaml:"backend" env:"DLQ_BACKEND"` // "memory" | "postgres"
	PostgresDSN   string `yaml:"postgres_dsn" env:"DLQ_POSTGRES_DSN"`
	EncryptionKey string `yaml:"encryption_key" env:"DLQ_ENCRYPTION_KEY"` // 16/24/32 bytes, base64 or raw
}

// AuditConfig is the audit section (spec §6).
type AuditConfig struct {
	Backend      string   `yaml:"backend" env:"AUDIT_BACKEND"` // "postgres" | "memory"
	TTLSeconds   int      `yaml:"ttl_seconds" env:"AUDIT_TTL_SECONDS"`
	StorePayload bool     `yaml:"store_payload" env:"AUDIT_STORE_PAYLOAD"`
	Redaction    []string `yaml:"redaction"`
	HashChain    bool     `yaml:"hash_chain" env:"AUDIT_HASH_CHAIN"`
	Compliance   bool     `yaml:"compliance_mode" env:"AUDIT_COMPLIANCE_MODE"`
	PostgresDSN  string   `yaml:"postgres_dsn" env:"AUDIT_POSTGRES_DSN"`
}

// EmbeddingConfig is the embedding section (spec §6).
type EmbeddingConfig struct {
	Endpoint      string `yaml:"endpoint" env:"EMBEDDING_ENDPOINT"`
	CacheSize     int    `yaml:"cache_size" env:"EMBEDDING_CACHE_SIZE"`
	FailOpen      bool   `yaml:"fail_open" env:"EMBEDDING_FAIL_OPEN"`
}

// BreakerOverride is one provider's circuit breaker override (spec §6
// "circuit breakers (per-provider overrides)").
type BreakerOverride struct {
	Provider         string `yaml:"provider"`
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	RecoveryTimeout  int    `yaml:"recovery_timeout_seconds"`
	FallbackProvider string `yaml:"fallback_provider"`
}

// BackgroundConfig is the background-task section (spec §6 "enable/
// disable sub-tasks, intervals").
type BackgroundConfig struct {
	Enabled          bool `yaml:"enabled" env:"BACKGROUND_ENABLED"`
	IntervalSeconds  int  `yaml:"interval_seconds" env:"BACKGROUND_INTERVAL_SECONDS"`
	MaxConcurrent    int  `yaml:"max_concurrent" env:"BACKGROUND_MAX_CONCURRENT"`
	PollBatch        int  `yaml:"poll_batch" env:"BACKGROUND_POLL_BATCH"`
}

// TelemetryConfig is the telemetry section (spec §6 "OTLP endpoint,
// sample ratio").
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"TELEMETRY_OTLP_ENDPOINT"`
	SampleRatio  float64 `yaml:"sample_ratio" env:"TELEMETRY_SAMPLE_RATIO"`
	MetricsAddr  string  `yaml:"metrics_addr" env:"TELEMETRY_METRICS_ADDR"`
}

// HTTPConfig controls the admin/dispatch HTTP surface.
type HTTPConfig struct {
	Addr      string `yaml:"addr" env:"HTTP_ADDR"`
	JWTSecret string `yaml:"jwt_secret" env:"HTTP_JWT_SECRET"`
}

// LoggingConfig controls internal/obslog (spec ambient stack).
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config is gatewayd's top-level configuration (spec §6 "Consumed as a
// parsed struct").
type Config struct {
	State      StateConfig       `yaml:"state"`
	Executor   ExecutorConfig    `yaml:"executor"`
	DLQ        DLQConfig         `yaml:"dlq"`
	Rules      RulesConfig       `yaml:"rules"`
	Chains     ChainsConfig      `yaml:"chains"`
	Plugins    PluginsConfig     `yaml:"plugins"`
	Providers  []ProviderConfig  `yaml:"providers"`
	Audit      AuditConfig       `yaml:"audit"`
	Embedding  EmbeddingConfig   `yaml:"embedding"`
	Breakers   []BreakerOverride `yaml:"circuit_breakers"`
	Background BackgroundConfig  `yaml:"background"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	HTTP       HTTPConfig        `yaml:"http"`
	Logging    LoggingConfig     `yaml:"logging"`
}

// Default returns a Config populated with conservative defaults.
func Default() *Config {
	return &Config{
		State:      StateConfig{Backend: "memory", CleanupInterval: 30},
		Executor:   ExecutorConfig{MaxRetries: 3, TimeoutSecs: 10, MaxConcurrent: 32, DLQEnabled: true},
		DLQ:        DLQConfig{Backend: "memory"},
		Rules:      RulesConfig{Directory: "./rules", DefaultTimezone: "UTC"},
		Chains:     ChainsConfig{Directory: "./chains", MaxConcurrentAdvances: 16, CompletedTTLSeconds: 3600},
		Plugins:    PluginsConfig{Directory: "./plugins", MemoryLimitBytes: 16 << 20, TimeoutMS: 1000},
		Audit:      AuditConfig{Backend: "memory", TTLSeconds: 0, StorePayload: true},
		Embedding:  EmbeddingConfig{FailOpen: true},
		Background: BackgroundConfig{Enabled: true, IntervalSeconds: 5, MaxConcurrent: 16, PollBatch: 100},
		Telemetry:  TelemetryConfig{MetricsAddr: ":9090"},
		HTTP:       HTTPConfig{Addr: ":8080"},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from an optional YAML file (CONFIG_FILE env,
// default ./config.yaml) then applies environment overrides, matching
// the teacher's Load() precedence: file first, then env wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("gwconfig: decode env: %w", err)
		}
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

func (a AuditConfig) TTL() time.Duration {
	return time.Duration(a.TTLSeconds) * time.Second
}

func (b BackgroundConfig) Interval() time.Duration {
	return time.Duration(b.IntervalSeconds) * time.Second
}
