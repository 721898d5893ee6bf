package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/easy-protect/internal/trigger"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.parseErrors...)

	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be one of %s, got %q", strings.Join(allowed, ", "), value),
		})
	}

	if cfg.ServiceID == "" {
		errs = append(errs, ValidationError{Field: "SERVICE_ID", Message: "required"})
	}

	oneOf("STORE_BACKEND", cfg.StoreBackend, "postgres", "memory")
	oneOf("LEDGER_BACKEND", cfg.LedgerBackend, "postgres", "redis", "memory")
	oneOf("TRIGGER_MODE", cfg.TriggerMode, "ledger", "timer")
	oneOf("EXECUTOR", cfg.Executor, "pool", "task")
	oneOf("LOG_LEVEL", cfg.LogLevel, "debug", "info", "warn", "error")
	oneOf("LOG_FORMAT", cfg.LogFormat, "json", "console")

	// DATABASE_URL is required whenever Postgres backs something.
	needsDB := cfg.StoreBackend == "postgres" || cfg.LedgerBackend == "postgres" || cfg.ReconcileEnabled
	if needsDB && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required"})
	}
	if cfg.LedgerBackend == "redis" && cfg.RedisAddr == "" {
		errs = append(errs, ValidationError{Field: "REDIS_ADDR", Message: "required when LEDGER_BACKEND=redis"})
	}
	if cfg.StoreBackend == "memory" && cfg.LedgerBackend == "postgres" {
		errs = append(errs, ValidationError{
			Field:   "LEDGER_BACKEND",
			Message: "postgres ledger requires STORE_BACKEND=postgres",
		})
	}
	if cfg.ReconcileEnabled && cfg.StoreBackend != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "RECONCILE_ENABLED",
			Message: "leader election requires STORE_BACKEND=postgres",
		})
	}
	if cfg.ProtectionEndpoint == "" {
		errs = append(errs, ValidationError{Field: "PROTECTION_ENDPOINT", Message: "required"})
	}

	for _, d := range cfg.durations() {
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   d.env,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
			continue
		}
		if v <= 0 {
			errs = append(errs, ValidationError{Field: d.env, Message: "must be positive"})
		}
	}

	minInterval, err1 := time.ParseDuration(cfg.MinIntervalStr)
	minWindow, err2 := time.ParseDuration(cfg.MinWindowStr)
	maxWindow, err3 := time.ParseDuration(cfg.MaxWindowStr)
	if err1 == nil && err2 == nil && err3 == nil && minWindow > 0 && maxWindow > 0 && minInterval > 0 {
		err := trigger.CheckConfiguration(trigger.Config{
			MinInterval: minInterval,
			MinWindow:   minWindow,
			MaxWindow:   maxWindow,
		})
		if err != nil {
			errs = append(errs, ValidationError{Field: "MAX_WINDOW", Message: err.Error()})
		}
	}

	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		errs = append(errs, ValidationError{Field: "METRICS_PATH", Message: "must start with /"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
