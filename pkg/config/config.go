package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
	// RequestTimeoutMillis is the server-side deadline applied to every HTTP
	// request (spec §4.6 "Cancellation and timeouts": default 10s). A request
	// that has not written a response by the deadline, a claim included, gets
	// a 504 with code REQUEST_TIMEOUT from the timeout middleware; a timed-out
	// claim does not return a null job.
	RequestTimeoutMillis int64 `json:"request_timeout_millis" env:"SERVER_REQUEST_TIMEOUT_MILLIS"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// RuntimeConfig controls process-wide runtime behavior.
type RuntimeConfig struct {
	// Environment gates the non-production-only debug headers: any value other
	// than "production" enables them. Expected values: "development",
	// "staging", "production".
	Environment string `json:"environment" env:"RUNTIME_ENVIRONMENT"`
	// AutoDepsFromAPIs is loaded from configuration, but no component in this
	// module reads it.
	AutoDepsFromAPIs bool `json:"auto_deps_from_apis" env:"RUNTIME_AUTO_DEPS_FROM_APIS"`
}

// IsProduction reports whether the runtime is configured for production.
func (r RuntimeConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(r.Environment), "production")
}

// SecurityConfig controls ticket-signing and worker-credential secrets.
type SecurityConfig struct {
	AttestationPrivateKey string `json:"attestation_private_key" env:"ATTESTATION_PRIVATE_KEY"`
	AttestationPublicKey  string `json:"attestation_public_key" env:"ATTESTATION_PUBLIC_KEY"`
	WorkerHMACSecret      string `json:"job_worker_hmac_secret" env:"JOB_WORKER_HMAC_SECRET"`
	CronSecret            string `json:"cron_secret" env:"CRON_SECRET"`
}

// QueueConfig controls the job queue engine's timing defaults (all overridable
// per-submission where the spec allows it).
type QueueConfig struct {
	LeaseMillis          int64 `json:"lease_ms" env:"QUEUE_LEASE_MS"`
	StaleHeartbeatMillis int64 `json:"stale_heartbeat_ms" env:"QUEUE_STALE_HEARTBEAT_MS"`
	TicketTTLSeconds     int64 `json:"ticket_ttl_seconds" env:"QUEUE_TICKET_TTL_SECONDS"`
	NonceTTLSeconds      int64 `json:"nonce_ttl_seconds" env:"QUEUE_NONCE_TTL_SECONDS"`
	MaxAttempts          int   `json:"max_attempts" env:"QUEUE_MAX_ATTEMPTS"`
	BackoffBaseMillis    int64 `json:"backoff_base_ms" env:"QUEUE_BACKOFF_BASE_MS"`
	BackoffCapMillis     int64 `json:"backoff_cap_ms" env:"QUEUE_BACKOFF_CAP_MS"`
	ReaperIntervalMillis int64 `json:"reaper_interval_ms" env:"QUEUE_REAPER_INTERVAL_MS"`
	// CronSchedule documents the interval at which an external scheduler is
	// expected to call POST /cron/reaper (spec §"Cron Driver": "externally
	// scheduled"). It is parsed at startup with robfig/cron/v3 purely to fail
	// fast on a malformed expression; the process never self-triggers on it.
	CronSchedule string `json:"cron_schedule" env:"QUEUE_CRON_SCHEDULE"`
}

// CacheConfig controls the optional Redis-backed nonce fast-path.
type CacheConfig struct {
	RedisDSN string `json:"redis_dsn" env:"CACHE_REDIS_DSN"`
}

// AuthConfig controls HTTP API authentication for the producer and admin surfaces.
type AuthConfig struct {
	// Tokens is not read by the server: the producer bearer-token allowlist is
	// built from Users, each user's Password serving as that user's token.
	Tokens []string `json:"tokens"`
	// JWTSecret validates bearer tokens issued as JWTs; a token is checked
	// against the static allowlist first and validated as a JWT only when it
	// is not on it.
	JWTSecret string     `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Users     []UserSpec `json:"users"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

type UserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Security SecurityConfig `json:"security"`
	Queue    QueueConfig    `json:"queue"`
	Cache    CacheConfig    `json:"cache"`
	Auth     AuthConfig     `json:"auth"`
	Tracing  TracingConfig  `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			RequestTimeoutMillis: 10000,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "jobqueue",
		},
		Runtime: RuntimeConfig{
			Environment:      "development",
			AutoDepsFromAPIs: true,
		},
		Security: SecurityConfig{},
		Queue: QueueConfig{
			LeaseMillis:          60_000,
			StaleHeartbeatMillis: 60_000,
			TicketTTLSeconds:     900,
			NonceTTLSeconds:      86_400,
			MaxAttempts:          3,
			BackoffBaseMillis:    5_000,
			BackoffCapMillis:     300_000,
			ReaperIntervalMillis: 30_000,
			CronSchedule:         "@every 30s",
		},
		Cache:   CacheConfig{},
		Auth:    AuthConfig{},
		Tracing: TracingConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets a DATABASE_URL env var override any file-based
// DSN, matching common PaaS deployment conventions (Heroku, Render, Fly).
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
