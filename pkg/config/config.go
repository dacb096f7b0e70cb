package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the record store connection.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SchedulerConfig controls the due-firing poll cadence.
type SchedulerConfig struct {
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval" env:"SCHEDULER_POLL_INTERVAL"`
	DefaultTimezone string        `json:"default_timezone" yaml:"default_timezone" env:"SCHEDULER_DEFAULT_TIMEZONE"`
}

// ExecutorConfig controls the worker pool.
type ExecutorConfig struct {
	Workers          int           `json:"workers" yaml:"workers" env:"EXECUTOR_WORKERS"`
	QueueCapacity    int           `json:"queue_capacity" yaml:"queue_capacity" env:"EXECUTOR_QUEUE_CAPACITY"`
	ActionDeadline   time.Duration `json:"action_deadline" yaml:"action_deadline" env:"EXECUTOR_ACTION_DEADLINE"`
	BatchBreakEvery  int           `json:"batch_break_every" yaml:"batch_break_every" env:"EXECUTOR_BATCH_BREAK_EVERY"`
	BatchBreakPeriod time.Duration `json:"batch_break_period" yaml:"batch_break_period" env:"EXECUTOR_BATCH_BREAK_PERIOD"`
}

// RateLimiterConfig controls default admission caps and pacing.
type RateLimiterConfig struct {
	DefaultHourlyCap  int           `json:"default_hourly_cap" yaml:"default_hourly_cap" env:"RATE_LIMIT_DEFAULT_HOURLY_CAP"`
	DefaultDailyCap   int           `json:"default_daily_cap" yaml:"default_daily_cap" env:"RATE_LIMIT_DEFAULT_DAILY_CAP"`
	MinRequestSpacing time.Duration `json:"min_request_spacing" yaml:"min_request_spacing" env:"RATE_LIMIT_MIN_REQUEST_SPACING"`
}

// CircuitBreakerConfig controls the default per-marketplace breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold     int           `json:"failure_threshold" yaml:"failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD"`
	RecoveryThreshold     int          `json:"recovery_threshold" yaml:"recovery_threshold" env:"CIRCUIT_RECOVERY_THRESHOLD"`
	HalfOpenMaxRequests   int          `json:"half_open_max_requests" yaml:"half_open_max_requests" env:"CIRCUIT_HALF_OPEN_MAX_REQUESTS"`
	Timeout               time.Duration `json:"timeout" yaml:"timeout" env:"CIRCUIT_TIMEOUT"`
	MaxTimeout            time.Duration `json:"max_timeout" yaml:"max_timeout" env:"CIRCUIT_MAX_TIMEOUT"`
}

// WebhookConfig controls ingestion and polling defaults.
type WebhookConfig struct {
	RetentionHorizon time.Duration `json:"retention_horizon" yaml:"retention_horizon" env:"WEBHOOK_RETENTION_HORIZON"`
	ListenAddr       string        `json:"listen_addr" yaml:"listen_addr" env:"WEBHOOK_LISTEN_ADDR"`
	PollMinInterval  time.Duration `json:"poll_min_interval" yaml:"poll_min_interval" env:"WEBHOOK_POLL_MIN_INTERVAL"`
	PollMaxInterval  time.Duration `json:"poll_max_interval" yaml:"poll_max_interval" env:"WEBHOOK_POLL_MAX_INTERVAL"`
	PollMaxFailures  int           `json:"poll_max_failures" yaml:"poll_max_failures" env:"WEBHOOK_POLL_MAX_FAILURES"`
}

// RuntimeConfig holds process-wide knobs not owned by a single subsystem.
type RuntimeConfig struct {
	EmergencyStopOnBoot bool `json:"emergency_stop_on_boot" yaml:"emergency_stop_on_boot" env:"RUNTIME_EMERGENCY_STOP_ON_BOOT"`
}

// Config is the top-level configuration structure consumed at startup.
type Config struct {
	Database       DatabaseConfig       `json:"database" yaml:"database"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Scheduler      SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Executor       ExecutorConfig       `json:"executor" yaml:"executor"`
	RateLimiter    RateLimiterConfig    `json:"rate_limiter" yaml:"rate_limiter"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Webhook        WebhookConfig        `json:"webhook" yaml:"webhook"`
	Runtime        RuntimeConfig        `json:"runtime" yaml:"runtime"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "automation-core",
		},
		Scheduler: SchedulerConfig{
			PollInterval:    5 * time.Second,
			DefaultTimezone: "UTC",
		},
		Executor: ExecutorConfig{
			Workers:          16,
			QueueCapacity:    1024,
			ActionDeadline:   30 * time.Second,
			BatchBreakEvery:  25,
			BatchBreakPeriod: 2 * time.Minute,
		},
		RateLimiter: RateLimiterConfig{
			DefaultHourlyCap:  100,
			DefaultDailyCap:   1000,
			MinRequestSpacing: 2 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			RecoveryThreshold:   3,
			HalfOpenMaxRequests: 3,
			Timeout:             60 * time.Second,
			MaxTimeout:          10 * time.Minute,
		},
		Webhook: WebhookConfig{
			RetentionHorizon: 30 * 24 * time.Hour,
			ListenAddr:       ":8090",
			PollMinInterval:  1 * time.Minute,
			PollMaxInterval:  30 * time.Minute,
			PollMaxFailures:  10,
		},
		Runtime: RuntimeConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string from host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from an optional file and then environment variables.
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
		// envdecode errors when no tagged fields are present in the environment;
		// treat that as "no overrides" so local runs work without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, starting from defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
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
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN to
// reduce local setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
