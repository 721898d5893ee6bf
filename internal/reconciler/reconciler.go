// Package reconciler removes ledger rows whose trigger no longer exists.
//
// A row is orphaned when its trigger was deleted from persistence but the
// row survived, e.g. because the node that owned the trigger crashed before
// removing it. Orphans never fire (no node has the trigger resident) but they
// keep the scheduling loop busy deleting them on every node. The reconciler
// runs on the leader only and deletes them in batches.
package reconciler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// Store looks up triggers in persistence.
type Store interface {
	GetTrigger(ctx context.Context, id string) (domain.Trigger, error)
}

// Ledger is the part of the execution ledger the reconciler needs.
type Ledger interface {
	List(ctx context.Context, limit, offset int) ([]domain.LedgerRow, error)
	DeleteIfUnchanged(ctx context.Context, id string, expected time.Time) (bool, error)
}

// MetricsSink records reconciler metrics. Methods must not block.
type MetricsSink interface {
	OrphanedRowsRemoved(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// BatchSize is the maximum number of orphans removed per cycle and the
	// ledger page size.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler detects orphaned ledger rows and deletes them.
type Reconciler struct {
	config  Config
	store   Store
	ledger  Ledger
	logger  *zap.Logger
	metrics MetricsSink // optional, nil = disabled
}

// New creates a new Reconciler.
func New(config Config, store Store, ledger Ledger) *Reconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Reconciler{
		config: config,
		store:  store,
		ledger: ledger,
		logger: zap.NewNop(),
	}
}

func (r *Reconciler) WithLogger(logger *zap.Logger) *Reconciler {
	r.logger = logger
	return r
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler: started",
		zap.Duration("interval", r.config.Interval), zap.Int("batch", r.config.BatchSize))

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle and returns the number of rows
// removed.
func (r *Reconciler) runCycle(ctx context.Context) int {
	orphans, err := r.findOrphans(ctx)
	if err != nil {
		// Store or ledger error: abort cycle. Will retry next interval.
		r.logger.Warn("reconciler: failed to scan ledger", zap.Error(err))
		return 0
	}
	if len(orphans) == 0 {
		return 0
	}

	r.logger.Info("reconciler: found orphaned ledger rows", zap.Int("count", len(orphans)))

	removed := 0
	for _, row := range orphans {
		if ctx.Err() != nil {
			r.logger.Info("reconciler: cycle interrupted",
				zap.Int("removed", removed), zap.Int("found", len(orphans)))
			break
		}
		// The compare keeps a row that a claim advanced meanwhile; the next
		// cycle sees it again.
		ok, err := r.ledger.DeleteIfUnchanged(ctx, row.ID, row.ExecutionTime)
		if err != nil {
			r.logger.Warn("reconciler: failed to delete ledger row",
				zap.String("row_id", row.ID), zap.String("trigger_id", row.TriggerID), zap.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}

	if r.metrics != nil {
		r.metrics.OrphanedRowsRemoved(removed)
	}
	r.logger.Info("reconciler: cycle complete", zap.Int("removed", removed), zap.Int("found", len(orphans)))
	return removed
}

// findOrphans pages through the ledger until BatchSize orphans are found or
// the ledger is exhausted.
func (r *Reconciler) findOrphans(ctx context.Context) ([]domain.LedgerRow, error) {
	var orphans []domain.LedgerRow
	for offset := 0; len(orphans) < r.config.BatchSize; offset += r.config.BatchSize {
		rows, err := r.ledger.List(ctx, r.config.BatchSize, offset)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			_, err := r.store.GetTrigger(ctx, row.TriggerID)
			if errors.Is(err, domain.ErrNotFound) {
				orphans = append(orphans, row)
				if len(orphans) == r.config.BatchSize {
					break
				}
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		if len(rows) < r.config.BatchSize {
			break
		}
	}
	return orphans, nil
}
