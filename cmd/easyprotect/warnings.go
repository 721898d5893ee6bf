package main

import (
	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/config"
)

// logConfigWarnings flags configurations that run but lose guarantees.
func logConfigWarnings(cfg config.Config, logger *zap.Logger) {
	if cfg.TriggerMode == "timer" && cfg.StoreBackend == "postgres" {
		logger.Warn("config: TRIGGER_MODE=timer keeps trigger timers in this process; " +
			"run a single instance or use TRIGGER_MODE=ledger")
	}
	if cfg.TriggerMode == "ledger" && cfg.LedgerBackend == "memory" {
		logger.Warn("config: LEDGER_BACKEND=memory is not shared; fires are exactly-once only within this process")
	}
	if cfg.TriggerMode == "ledger" && cfg.LedgerBackend != "memory" && !cfg.ReconcileEnabled {
		logger.Warn("config: RECONCILE_ENABLED=false; ledger rows of triggers deleted while their node was down are never removed")
	}
	if !cfg.MetricsEnabled {
		logger.Info("config: METRICS_ENABLED=false; scheduler and executor metrics are not exported")
	}
	if cfg.ServiceToken == "" {
		logger.Warn("config: SERVICE_TOKEN not set; protect operations will fail to obtain tokens")
	}
}
