package operation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/domain"
)

const unlimited = -1

// RetentionProtect creates a checkpoint, then deletes available checkpoints
// of the plan beyond max_backups or older than retention_duration days.
type RetentionProtect struct {
	*Protect
}

func NewRetentionProtect(p *Protect) *RetentionProtect {
	return &RetentionProtect{Protect: p}
}

func (r *RetentionProtect) CheckDefinition(def map[string]string) error {
	if err := r.Protect.CheckDefinition(def); err != nil {
		return err
	}
	for _, k := range []string{"max_backups", "retention_duration"} {
		if _, err := limitValue(def, k); err != nil {
			return err
		}
	}
	return nil
}

func (r *RetentionProtect) Execute(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error) {
	result, token, err := r.protect(ctx, op, params)
	if err != nil {
		return result, err
	}

	maxBackups, _ := limitValue(op.Definition, "max_backups")
	retentionDays, _ := limitValue(op.Definition, "retention_duration")
	if maxBackups == unlimited && retentionDays == unlimited {
		return result, nil
	}

	deleted, warnings := r.applyRetention(ctx, token, op, maxBackups, retentionDays)
	result.ExtraInfo["deleted_checkpoints"] = strconv.Itoa(deleted)
	result.Warnings = append(result.Warnings, warnings...)
	return result, nil
}

func (r *RetentionProtect) Resume(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error) {
	return r.Execute(ctx, op, params)
}

func (r *RetentionProtect) applyRetention(ctx context.Context, token string, op domain.ScheduledOperation, maxBackups, retentionDays int) (int, []string) {
	providerID := op.Definition["provider_id"]
	planID := op.Definition["plan_id"]

	checkpoints, err := r.client.ListCheckpoints(ctx, token, op.ProjectID, providerID, planID, domain.CheckpointStatusAvailable)
	if err != nil {
		return 0, []string{fmt.Sprintf("list checkpoints: %v", err)}
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})

	var cutoff time.Time
	if retentionDays != unlimited {
		cutoff = r.clock.Now().AddDate(0, 0, -retentionDays)
	}

	var (
		deleted  int
		warnings []string
	)
	for i, cp := range checkpoints {
		overCount := maxBackups != unlimited && i >= maxBackups
		tooOld := !cutoff.IsZero() && cp.CreatedAt.Before(cutoff)
		if !overCount && !tooOld {
			continue
		}
		if err := r.client.DeleteCheckpoint(ctx, token, op.ProjectID, providerID, cp.ID); err != nil {
			warnings = append(warnings, fmt.Sprintf("delete checkpoint %s: %v", cp.ID, err))
			continue
		}
		deleted++
	}

	r.logger.Info("operation: retention applied",
		zap.String("operation_id", op.ID), zap.String("plan_id", planID),
		zap.Int("available", len(checkpoints)), zap.Int("deleted", deleted))
	return deleted, warnings
}

// limitValue parses a positive integer limit; absent or -1 means unlimited.
func limitValue(def map[string]string, key string) (int, error) {
	raw := strings.TrimSpace(def[key])
	if raw == "" {
		return unlimited, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || (v != unlimited && v <= 0) {
		return 0, fmt.Errorf("%w: %s must be a positive integer or -1, got %q", domain.ErrInvalidInput, key, raw)
	}
	return v, nil
}
