// Package config loads the easyprotect configuration from environment
// variables. Load never fails: unparsable values are kept in their raw form
// and reported by Validate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the easyprotect application.
// Duration fields have a *Str twin holding the raw value.
type Config struct {
	ServiceID string `json:"service_id"`

	StoreBackend  string `json:"store_backend"`  // postgres | memory
	LedgerBackend string `json:"ledger_backend"` // postgres | redis | memory

	DatabaseURL   string `json:"database_url"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db"`
	HTTPAddr      string `json:"http_addr"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	// TriggerMode: "ledger" (shared ledger polled by every node) or "timer"
	// (one in-process timer per trigger).
	TriggerMode            string        `json:"trigger_mode"`
	TriggerPollInterval    time.Duration `json:"-"`
	TriggerPollIntervalStr string        `json:"trigger_poll_interval"`
	MaxClaimsPerTick       int           `json:"max_claims_per_tick"`

	MinInterval    time.Duration `json:"-"`
	MinIntervalStr string        `json:"min_interval"`
	MinWindow      time.Duration `json:"-"`
	MinWindowStr   string        `json:"min_window"`
	MaxWindow      time.Duration `json:"-"`
	MaxWindowStr   string        `json:"max_window"`

	// Executor: "pool" (fixed workers fed by a queue) or "task" (one
	// goroutine per run, bounded by a semaphore).
	Executor                   string        `json:"executor"`
	ExecutorWorkers            int           `json:"executor_workers"`
	MaxConcurrentOperations    int           `json:"max_concurrent_operations"` // 0 = ExecutorWorkers
	ExecutorShutdownTimeout    time.Duration `json:"-"`
	ExecutorShutdownTimeoutStr string        `json:"executor_shutdown_timeout"`

	RetainedOperationLogs int `json:"retained_operation_log_number"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`
	ReconcileBatchSize   int           `json:"reconcile_batch_size"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey              int64         `json:"leader_lock_key"`
	LeaderRetryInterval        time.Duration `json:"-"`
	LeaderRetryIntervalStr     string        `json:"leader_retry_interval"`
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	// CircuitBreakerThreshold: 0 disables the per-provider circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	ProtectionEndpoint string `json:"protection_endpoint"`
	ServiceToken       string `json:"-"`

	LogLevel  string `json:"log_level"`  // debug | info | warn | error
	LogFormat string `json:"log_format"` // json | console

	// parseErrors holds integer variables that could not be parsed.
	parseErrors ValidationErrors
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config

	cfg.ServiceID = envStr("SERVICE_ID", "")
	if cfg.ServiceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.ServiceID = host
		}
	}

	cfg.StoreBackend = envStr("STORE_BACKEND", "postgres")
	cfg.LedgerBackend = envStr("LEDGER_BACKEND", "")
	if cfg.LedgerBackend == "" {
		cfg.LedgerBackend = cfg.StoreBackend
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = cfg.envInt("REDIS_DB", 0, 0)

	// Support a bare PORT variable as fallback for HTTP_ADDR.
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.DBMaxOpenConns = cfg.envInt("DB_MAX_OPEN_CONNS", 25, 1)
	cfg.DBMaxIdleConns = cfg.envInt("DB_MAX_IDLE_CONNS", 5, 1)
	cfg.DBConnMaxLifetimeStr = envStr("DB_CONN_MAX_LIFETIME", "30m")
	cfg.DBConnMaxIdleTimeStr = envStr("DB_CONN_MAX_IDLE_TIME", "5m")

	cfg.TriggerMode = envStr("TRIGGER_MODE", "ledger")
	cfg.TriggerPollIntervalStr = envStr("TRIGGER_POLL_INTERVAL", "15s")
	cfg.MaxClaimsPerTick = cfg.envInt("TRIGGER_MAX_CLAIMS_PER_TICK", 100, 1)
	cfg.MinIntervalStr = envStr("MIN_INTERVAL", "1h")
	cfg.MinWindowStr = envStr("MIN_WINDOW", "15m")
	cfg.MaxWindowStr = envStr("MAX_WINDOW", "30m")

	cfg.Executor = envStr("EXECUTOR", "pool")
	cfg.ExecutorWorkers = cfg.envInt("EXECUTOR_WORKERS", 10, 1)
	cfg.MaxConcurrentOperations = cfg.envInt("MAX_CONCURRENT_OPERATIONS", 0, 0)
	cfg.ExecutorShutdownTimeoutStr = envStr("EXECUTOR_SHUTDOWN_TIMEOUT", "30s")
	cfg.RetainedOperationLogs = cfg.envInt("RETAINED_OPERATION_LOG_NUMBER", 5, 1)

	cfg.HTTPShutdownTimeoutStr = envStr("HTTP_SHUTDOWN_TIMEOUT", "10s")
	cfg.MetricsEnabled = os.Getenv("METRICS_ENABLED") == "true"
	cfg.MetricsPath = envStr("METRICS_PATH", "/metrics")

	cfg.ReconcileEnabled = os.Getenv("RECONCILE_ENABLED") == "true"
	cfg.ReconcileIntervalStr = envStr("RECONCILE_INTERVAL", "5m")
	cfg.ReconcileBatchSize = cfg.envInt("RECONCILE_BATCH_SIZE", 100, 1)

	cfg.LeaderLockKey = int64(cfg.envInt("LEADER_LOCK_KEY", 728380, 1))
	cfg.LeaderRetryIntervalStr = envStr("LEADER_RETRY_INTERVAL", "5s")
	cfg.LeaderHeartbeatIntervalStr = envStr("LEADER_HEARTBEAT_INTERVAL", "2s")

	cfg.CircuitBreakerThreshold = cfg.envInt("CIRCUIT_BREAKER_THRESHOLD", 5, 0)
	cfg.CircuitBreakerCooldownStr = envStr("CIRCUIT_BREAKER_COOLDOWN", "2m")

	cfg.ProtectionEndpoint = os.Getenv("PROTECTION_ENDPOINT")
	cfg.ServiceToken = os.Getenv("SERVICE_TOKEN")

	cfg.LogLevel = envStr("LOG_LEVEL", "info")
	cfg.LogFormat = envStr("LOG_FORMAT", "json")

	// Parse durations; validation is handled separately by Validate().
	for _, d := range cfg.durations() {
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

type durationField struct {
	env string
	raw *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"DB_CONN_MAX_LIFETIME", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"TRIGGER_POLL_INTERVAL", &c.TriggerPollIntervalStr, &c.TriggerPollInterval},
		{"MIN_INTERVAL", &c.MinIntervalStr, &c.MinInterval},
		{"MIN_WINDOW", &c.MinWindowStr, &c.MinWindow},
		{"MAX_WINDOW", &c.MaxWindowStr, &c.MaxWindow},
		{"EXECUTOR_SHUTDOWN_TIMEOUT", &c.ExecutorShutdownTimeoutStr, &c.ExecutorShutdownTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"RECONCILE_INTERVAL", &c.ReconcileIntervalStr, &c.ReconcileInterval},
		{"LEADER_RETRY_INTERVAL", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
		{"CIRCUIT_BREAKER_COOLDOWN", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
	}
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt returns def when key is unset. Values below min, or not integers,
// are recorded for Validate and replaced by def.
func (c *Config) envInt(key string, def, min int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min {
		c.parseErrors = append(c.parseErrors, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("must be an integer >= %d, got %q", min, raw),
		})
		return def
	}
	return n
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RedisPassword = maskSecret(c.RedisPassword)
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
