package operation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/protection"
)

// CheckpointClient is the part of the protection service used by operations.
type CheckpointClient interface {
	CreateCheckpoint(ctx context.Context, token, projectID, providerID, planID string, extraInfo map[string]string) (domain.Checkpoint, error)
	ListCheckpoints(ctx context.Context, token, projectID, providerID, planID, status string) ([]domain.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, token, projectID, providerID, checkpointID string) error
}

// TokenSource mints tokens from the trust of a user and project.
type TokenSource interface {
	Token(ctx context.Context, userID, projectID string) (string, error)
}

// Breaker guards protection service calls per provider.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

var defaultBackoff = []time.Duration{
	0,
	5 * time.Second,
	30 * time.Second,
}

const createdBy = "operation-engine"

// Protect creates one checkpoint of a plan per run.
type Protect struct {
	client  CheckpointClient
	tokens  TokenSource
	breaker Breaker // optional, nil = disabled
	backoff []time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

func NewProtect(client CheckpointClient, tokens TokenSource) *Protect {
	return &Protect{
		client:  client,
		tokens:  tokens,
		backoff: defaultBackoff,
		clock:   clock.Real{},
		logger:  zap.NewNop(),
	}
}

func (p *Protect) WithBreaker(b Breaker) *Protect {
	p.breaker = b
	return p
}

// WithBackoff sets the delay before each attempt; its length is the attempt
// count.
func (p *Protect) WithBackoff(backoff []time.Duration) *Protect {
	p.backoff = backoff
	return p
}

func (p *Protect) WithClock(c clock.Clock) *Protect {
	p.clock = c
	return p
}

func (p *Protect) WithLogger(logger *zap.Logger) *Protect {
	p.logger = logger
	return p
}

func (p *Protect) CheckDefinition(def map[string]string) error {
	for _, k := range []string{"provider_id", "plan_id"} {
		if strings.TrimSpace(def[k]) == "" {
			return fmt.Errorf("%w: operation definition requires %s", domain.ErrInvalidInput, k)
		}
	}
	return nil
}

func (p *Protect) Execute(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error) {
	result, _, err := p.protect(ctx, op, params)
	return result, err
}

// Resume starts a fresh checkpoint; an interrupted one cannot be continued.
func (p *Protect) Resume(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error) {
	return p.Execute(ctx, op, params)
}

// protect returns the token it used so follow-up calls share it.
func (p *Protect) protect(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, string, error) {
	providerID := op.Definition["provider_id"]
	planID := op.Definition["plan_id"]

	result := Result{ExtraInfo: map[string]string{
		"created_by":             createdBy,
		"trigger_id":             op.TriggerID,
		"scheduled_operation_id": op.ID,
	}}

	token, err := p.tokens.Token(ctx, op.UserID, op.ProjectID)
	if err != nil {
		return result, "", fmt.Errorf("get token: %w", err)
	}

	cp, err := p.createWithRetry(ctx, token, op.ProjectID, providerID, planID, result.ExtraInfo, params.Deadline())
	if err != nil {
		return result, token, err
	}
	result.ExtraInfo["checkpoint_id"] = cp.ID
	p.logger.Info("operation: checkpoint created",
		zap.String("operation_id", op.ID), zap.String("plan_id", planID), zap.String("checkpoint_id", cp.ID))
	return result, token, nil
}

func (p *Protect) createWithRetry(ctx context.Context, token, projectID, providerID, planID string, extra map[string]string, deadline time.Time) (domain.Checkpoint, error) {
	var lastErr error
	for attempt := 1; attempt <= len(p.backoff); attempt++ {
		if wait := p.backoff[attempt-1]; wait > 0 {
			at := p.clock.Now().Add(wait)
			if at.After(deadline) {
				break
			}
			timer := p.clock.TimerAt(at)
			select {
			case <-ctx.Done():
				timer.Stop()
				return domain.Checkpoint{}, ctx.Err()
			case <-timer.C():
			}
		}

		if p.breaker != nil {
			if err := p.breaker.Allow(providerID); err != nil {
				return domain.Checkpoint{}, fmt.Errorf("provider %s: %w", providerID, err)
			}
		}

		cp, err := p.client.CreateCheckpoint(ctx, token, projectID, providerID, planID, extra)
		p.recordOutcome(providerID, err)
		if err == nil {
			return cp, nil
		}
		lastErr = err

		if !protection.IsRetryable(err) {
			return domain.Checkpoint{}, fmt.Errorf("create checkpoint: %w", err)
		}
		p.logger.Warn("operation: checkpoint attempt failed",
			zap.String("provider_id", providerID), zap.String("plan_id", planID),
			zap.Int("attempt", attempt), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no attempt fit in the run window")
	}
	return domain.Checkpoint{}, fmt.Errorf("create checkpoint: %w", lastErr)
}

// recordOutcome reports every attempt let through by the breaker exactly once.
// A status error the service chose to return still means the provider is
// reachable; only 5xx, 429 and failures to get an answer count against it.
func (p *Protect) recordOutcome(providerID string, err error) {
	if p.breaker == nil {
		return
	}
	var se *protection.StatusError
	if err == nil || (errors.As(err, &se) && !protection.IsRetryable(err)) {
		p.breaker.RecordSuccess(providerID)
		return
	}
	p.breaker.RecordFailure(providerID)
}
