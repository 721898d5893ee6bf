package config

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		ServiceID:                  "node-a",
		StoreBackend:               "postgres",
		LedgerBackend:              "postgres",
		DatabaseURL:                "postgres://localhost/easyprotect",
		HTTPAddr:                   ":8080",
		DBMaxOpenConns:             25,
		DBMaxIdleConns:             5,
		DBConnMaxLifetimeStr:       "30m",
		DBConnMaxIdleTimeStr:       "5m",
		TriggerMode:                "ledger",
		TriggerPollIntervalStr:     "15s",
		MaxClaimsPerTick:           100,
		MinIntervalStr:             "1h",
		MinWindowStr:               "15m",
		MaxWindowStr:               "30m",
		Executor:                   "pool",
		ExecutorWorkers:            10,
		ExecutorShutdownTimeoutStr: "30s",
		RetainedOperationLogs:      5,
		HTTPShutdownTimeoutStr:     "10s",
		MetricsPath:                "/metrics",
		ReconcileIntervalStr:       "5m",
		ReconcileBatchSize:         100,
		LeaderLockKey:              728380,
		LeaderRetryIntervalStr:     "5s",
		LeaderHeartbeatIntervalStr: "2s",
		CircuitBreakerThreshold:    5,
		CircuitBreakerCooldownStr:  "2m",
		ProtectionEndpoint:         "http://protection:8807",
		LogLevel:                   "info",
		LogFormat:                  "json",
	}
}

func fields(t *testing.T, err error) []string {
	t.Helper()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	out := make([]string, len(verrs))
	for i, e := range verrs {
		out[i] = e.Field
	}
	return out
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, []string{"DATABASE_URL"}},
		{"memory needs no database", func(c *Config) {
			c.DatabaseURL = ""
			c.StoreBackend = "memory"
			c.LedgerBackend = "memory"
		}, nil},
		{"redis without addr", func(c *Config) { c.LedgerBackend = "redis" }, []string{"REDIS_ADDR"}},
		{"postgres ledger over memory store", func(c *Config) {
			c.StoreBackend = "memory"
		}, []string{"LEDGER_BACKEND"}},
		{"reconciler needs postgres store", func(c *Config) {
			c.StoreBackend = "memory"
			c.LedgerBackend = "memory"
			c.ReconcileEnabled = true
		}, []string{"RECONCILE_ENABLED"}},
		{"unknown enums", func(c *Config) {
			c.TriggerMode = "cron"
			c.Executor = "fork"
		}, []string{"TRIGGER_MODE", "EXECUTOR"}},
		{"bad duration", func(c *Config) { c.TriggerPollIntervalStr = "soon" }, []string{"TRIGGER_POLL_INTERVAL"}},
		{"non-positive duration", func(c *Config) { c.MaxWindowStr = "0s" }, []string{"MAX_WINDOW"}},
		{"overlapping windows", func(c *Config) { c.MaxWindowStr = "40m" }, []string{"MAX_WINDOW"}},
		{"min window not below max", func(c *Config) { c.MinWindowStr = "30m" }, []string{"MAX_WINDOW"}},
		{"missing endpoint", func(c *Config) { c.ProtectionEndpoint = "" }, []string{"PROTECTION_ENDPOINT"}},
		{"metrics path", func(c *Config) { c.MetricsPath = "metrics" }, []string{"METRICS_PATH"}},
		{"missing service id", func(c *Config) { c.ServiceID = "" }, []string{"SERVICE_ID"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			got := fields(t, err)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("fields = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError_Format(t *testing.T) {
	err := ValidationError{Field: "DATABASE_URL", Message: "required"}
	got := err.Error()
	want := "DATABASE_URL: required"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationErrors_Format(t *testing.T) {
	// Single error
	single := ValidationErrors{{Field: "F1", Message: "M1"}}
	if single.Error() != "F1: M1" {
		t.Errorf("single error = %q, want 'F1: M1'", single.Error())
	}

	// Multiple errors
	multi := ValidationErrors{
		{Field: "F1", Message: "M1"},
		{Field: "F2", Message: "M2"},
	}
	got := multi.Error()
	if !strings.Contains(got, "2 validation errors") {
		t.Errorf("multi error should contain '2 validation errors': %q", got)
	}
	if !strings.Contains(got, "F1: M1") || !strings.Contains(got, "F2: M2") {
		t.Errorf("multi error should contain both errors: %q", got)
	}

	// Empty
	empty := ValidationErrors{}
	if empty.Error() != "" {
		t.Errorf("empty errors should return empty string, got %q", empty.Error())
	}
}
