package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/circuitbreaker"
	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/config"
	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/engine"
	"github.com/djlord-it/easy-protect/internal/executor"
	"github.com/djlord-it/easy-protect/internal/leaderelection"
	"github.com/djlord-it/easy-protect/internal/metrics"
	"github.com/djlord-it/easy-protect/internal/operation"
	"github.com/djlord-it/easy-protect/internal/protection"
	"github.com/djlord-it/easy-protect/internal/reconciler"
	"github.com/djlord-it/easy-protect/internal/scheduler"
	"github.com/djlord-it/easy-protect/internal/store/memory"
	"github.com/djlord-it/easy-protect/internal/store/postgres"
	redisstore "github.com/djlord-it/easy-protect/internal/store/redis"
	"github.com/djlord-it/easy-protect/internal/timeformat"
	"github.com/djlord-it/easy-protect/internal/transport/channel"
	"github.com/djlord-it/easy-protect/internal/trigger"
	"github.com/djlord-it/easy-protect/internal/trust"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// store is every persistence contract the engine needs from one backend.
type store interface {
	engine.Store
	executor.Store
	operation.LogStore
	reconciler.Store
}

// runningExecutor is the executor surface used by the trigger manager.
type runningExecutor interface {
	trigger.Executor
	InFlight() int
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`easyprotect - scheduled protection operation engine

Usage:
  easyprotect <command>

Commands:
  serve      Start the operation engine
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  SERVICE_ID                     Identity of this engine instance (default: hostname)
  STORE_BACKEND                  postgres | memory (default: "postgres")
  LEDGER_BACKEND                 postgres | redis | memory (default: STORE_BACKEND)
  DATABASE_URL                   PostgreSQL connection string (required for postgres)
  REDIS_ADDR                     Redis address (required for LEDGER_BACKEND=redis)
  REDIS_PASSWORD, REDIS_DB       Redis credentials and database number
  HTTP_ADDR                      Health and metrics address (default: ":8080", PORT fallback)

  TRIGGER_MODE                   ledger | timer (default: "ledger")
  TRIGGER_POLL_INTERVAL          Ledger polling interval (default: "15s")
  TRIGGER_MAX_CLAIMS_PER_TICK    Ledger rows drained per tick (default: "100")
  MIN_INTERVAL                   Minimum spacing of trigger fires (default: "1h")
  MIN_WINDOW, MAX_WINDOW         Bounds of a trigger's run window (default: "15m", "30m")

  EXECUTOR                       pool | task (default: "pool")
  EXECUTOR_WORKERS               Worker goroutines (default: "10")
  MAX_CONCURRENT_OPERATIONS      Accepted operations, queued and running (default: workers)
  EXECUTOR_SHUTDOWN_TIMEOUT      Time allowed for running operations at shutdown (default: "30s")
  RETAINED_OPERATION_LOG_NUMBER  Logs kept per operation (default: "5")

  DB_MAX_OPEN_CONNS              Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS              Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME           Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME          Max connection idle time (default: "5m")
  HTTP_SHUTDOWN_TIMEOUT          Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED                Enable Prometheus metrics (default: "false")
  METRICS_PATH                   Metrics endpoint path (default: "/metrics")

  RECONCILE_ENABLED              Sweep orphaned ledger rows on the leader (default: "false")
  RECONCILE_INTERVAL             Sweep interval (default: "5m")
  RECONCILE_BATCH_SIZE           Max rows removed per sweep (default: "100")
  LEADER_LOCK_KEY                Advisory lock key shared by all instances (default: "728380")
  LEADER_RETRY_INTERVAL          Follower retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL      Leader heartbeat interval (default: "2s")

  CIRCUIT_BREAKER_THRESHOLD      Failures before a provider is cut off, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN       Time before a cut-off provider is retried (default: "2m")

  PROTECTION_ENDPOINT            Protection service base URL (required)
  SERVICE_TOKEN                  Token used for every trust
  LOG_LEVEL                      debug | info | warn | error (default: "info")
  LOG_FORMAT                     json | console (default: "json")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitRuntimeError
	}
	defer logger.Sync() //nolint:errcheck

	logConfigWarnings(cfg, logger)

	ctx := context.Background()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = openDB(ctx, cfg, logger)
		if err != nil {
			logger.Error("easyprotect: database unavailable", zap.Error(err))
			return exitRuntimeError
		}
		defer db.Close()
	}

	var st store
	if cfg.StoreBackend == "postgres" {
		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("easyprotect: schema migration failed", zap.Error(err))
			return exitRuntimeError
		}
		st = pg
	} else {
		st = memory.NewStore()
		logger.Warn("easyprotect: STORE_BACKEND=memory; state is lost on restart")
	}

	var ledger scheduler.Ledger
	switch cfg.LedgerBackend {
	case "postgres":
		ledger = postgres.NewLedger(db)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("easyprotect: redis unavailable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			return exitRuntimeError
		}
		ledger = redisstore.NewLedger(rdb, redisstore.DefaultPrefix)
	default:
		ledger = memory.NewLedger()
	}

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
		logger.Info("easyprotect: metrics enabled", zap.String("path", cfg.MetricsPath))
	}

	clk := clock.Real{}

	// Operations
	trusts := trust.NewManager(trust.StaticIssuer{ServiceToken: cfg.ServiceToken}).
		WithLogger(logger)
	client := protection.NewHTTPClient(cfg.ProtectionEndpoint).WithMetrics(sink)
	protect := operation.NewProtect(client, trusts).WithLogger(logger)
	if cfg.CircuitBreakerThreshold > 0 {
		protect = protect.WithBreaker(
			circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown).WithLogger(logger))
	}
	operations := operation.NewManager(st).
		WithRetention(cfg.RetainedOperationLogs, domain.LogStateInProgress).
		WithLogger(logger).
		WithMetrics(sink).
		Register(domain.OperationTypeProtect, protect).
		Register(domain.OperationTypeRetentionProtect, operation.NewRetentionProtect(protect))

	// Executor
	execCfg := executor.Config{
		Workers:         cfg.ExecutorWorkers,
		MaxConcurrent:   cfg.MaxConcurrentOperations,
		ShutdownTimeout: cfg.ExecutorShutdownTimeout,
	}
	var exec runningExecutor
	if cfg.Executor == "task" {
		exec = executor.NewTask(execCfg, st, operations).WithLogger(logger).WithMetrics(sink)
	} else {
		exec = executor.NewPool(execCfg, st, operations, channel.WithMetrics(sink)).
			WithLogger(logger).WithMetrics(sink)
	}

	// Triggers
	triggerCfg := trigger.Config{
		MinInterval: cfg.MinInterval,
		MinWindow:   cfg.MinWindow,
		MaxWindow:   cfg.MaxWindow,
	}
	triggers, err := trigger.NewManager(triggerCfg, timeformat.NewRegistry(), exec)
	if err != nil {
		logger.Error("easyprotect: invalid trigger bounds", zap.Error(err))
		return exitInvalidConfig
	}
	triggers.WithLogger(logger)

	var sched *scheduler.Scheduler
	if cfg.TriggerMode == "timer" {
		triggers.RegisterFactory(domain.TriggerTypeTime, trigger.NewTimerFactory(exec, clk, logger))
	} else {
		sched = scheduler.New(scheduler.Config{
			PollInterval:     cfg.TriggerPollInterval,
			MaxClaimsPerTick: cfg.MaxClaimsPerTick,
		}, ledger, exec).WithLogger(logger).WithMetrics(sink)
		triggers.RegisterFactory(domain.TriggerTypeTime, trigger.NewLedgerFactory(sched, clk, logger))
	}

	svc := engine.NewService(cfg.ServiceID, st, triggers, trusts, operations).WithLogger(logger)
	if err := svc.Start(ctx); err != nil {
		logger.Error("easyprotect: restore failed", zap.Error(err))
		return exitRuntimeError
	}

	// Separate contexts so the scheduler stops before the reconciler and the
	// executor drains last.
	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	var schedulerWg sync.WaitGroup
	if sched != nil {
		schedulerWg.Add(1)
		go func() {
			defer schedulerWg.Done()
			if err := sched.Run(schedulerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("easyprotect: scheduler stopped", zap.Error(err))
			}
		}()
	}

	var electorWg sync.WaitGroup
	var cancelElector context.CancelFunc
	var elector *leaderelection.Elector
	if cfg.ReconcileEnabled {
		recon := reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			BatchSize: cfg.ReconcileBatchSize,
		}, st, ledger).WithLogger(logger).WithMetrics(sink)

		elector = leaderelection.New(
			leaderelection.NewAdvisoryLock(db, cfg.LeaderLockKey),
			cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
			recon.Run,
		).WithLogger(logger).WithMetrics(sink)

		var electorCtx context.Context
		electorCtx, cancelElector = context.WithCancel(ctx)
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
		logger.Info("easyprotect: reconciler enabled",
			zap.Duration("interval", cfg.ReconcileInterval), zap.Int("batch", cfg.ReconcileBatchSize))
	}

	// HTTP: health and metrics
	var health HealthChecker
	if db != nil {
		health = db
	}
	var leader LeaderChecker
	if elector != nil {
		leader = elector
	}
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newRouter(health, exec, leader, cfg.MetricsEnabled, cfg.MetricsPath, logger),
	}
	go func() {
		logger.Info("easyprotect: http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("easyprotect: http server error", zap.Error(err))
		}
	}()

	logger.Info("easyprotect: started",
		zap.String("service_id", cfg.ServiceID),
		zap.String("trigger_mode", cfg.TriggerMode),
		zap.String("executor", cfg.Executor),
		zap.String("store", cfg.StoreBackend),
		zap.String("ledger", cfg.LedgerBackend))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info("easyprotect: shutting down", zap.String("signal", received.String()))

	// Phase 1: stop firing.
	cancelScheduler()
	schedulerWg.Wait()
	logger.Info("easyprotect: scheduler stopped")

	// Phase 2: give up leadership.
	if cancelElector != nil {
		cancelElector()
		electorWg.Wait()
		logger.Info("easyprotect: reconciler stopped")
	}

	// Phase 3: stop triggers and drain the executor.
	svc.Stop()

	// Phase 4: HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("easyprotect: http server shutdown error", zap.Error(err))
	}

	logger.Info("easyprotect: stopped")
	return exitSuccess
}

func openDB(ctx context.Context, cfg config.Config, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.Info("easyprotect: db pool configured",
		zap.Int("max_open", cfg.DBMaxOpenConns),
		zap.Int("max_idle", cfg.DBMaxIdleConns),
		zap.Duration("max_lifetime", cfg.DBConnMaxLifetime),
		zap.Duration("max_idle_time", cfg.DBConnMaxIdleTime))

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("easyprotect version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
