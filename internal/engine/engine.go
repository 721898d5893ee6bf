// Package engine is the management surface of the operation engine. It keeps
// persisted operation state, delegated trusts and live triggers consistent,
// and rebuilds the live side from persistence at startup.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/trigger"
)

// restorePageSize bounds each page read from persistence during Start.
const restorePageSize = 100

type Store interface {
	ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
	GetOperation(ctx context.Context, operationID string) (domain.ScheduledOperation, error)
	SetOperationEnabled(ctx context.Context, operationID string, enabled bool) error
	CreateOperationState(ctx context.Context, st domain.OperationState) error
	GetOperationState(ctx context.Context, operationID string) (domain.OperationState, error)
	UpdateOperationState(ctx context.Context, operationID string, update domain.StateUpdate) error
	DeleteOperationState(ctx context.Context, operationID string) error
	ListOperationStates(ctx context.Context, filter domain.StateFilter, limit, offset int) ([]domain.StateWithOperation, error)
}

// Triggers is the live trigger set, satisfied by *trigger.Manager.
type Triggers interface {
	AddTrigger(ctx context.Context, triggerID string, typ domain.TriggerType, def domain.TriggerDefinition) error
	UpdateTrigger(ctx context.Context, triggerID string, def domain.TriggerDefinition) error
	RemoveTrigger(ctx context.Context, triggerID string) error
	RegisterOperation(ctx context.Context, triggerID, operationID string, resume *trigger.ResumeHint) error
	UnregisterOperation(ctx context.Context, triggerID, operationID string) error
	Shutdown()
}

// Trusts is satisfied by *trust.Manager.
type Trusts interface {
	AddOperation(ctx context.Context, creds domain.RequestCredentials, operationID string) (string, error)
	DeleteOperation(ctx context.Context, userID, projectID, operationID string) error
	ResumeOperation(operationID, userID, projectID, trustID string)
}

// Definitions validates operation definitions, satisfied by *operation.Manager.
type Definitions interface {
	CheckDefinition(typ domain.OperationType, def map[string]string) error
}

type Service struct {
	serviceID   string
	store       Store
	triggers    Triggers
	trusts      Trusts
	definitions Definitions
	clock       clock.Clock
	logger      *zap.Logger
}

func NewService(serviceID string, store Store, triggers Triggers, trusts Trusts, definitions Definitions) *Service {
	return &Service{
		serviceID:   serviceID,
		store:       store,
		triggers:    triggers,
		trusts:      trusts,
		definitions: definitions,
		clock:       clock.Real{},
		logger:      zap.NewNop(),
	}
}

func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

func (s *Service) WithLogger(logger *zap.Logger) *Service {
	s.logger = logger
	return s
}

// CreateScheduledOperation brings a persisted operation under this service:
// its trust is acquired, its state row created and it is registered on its
// trigger. Any failure undoes the earlier steps.
func (s *Service) CreateScheduledOperation(ctx context.Context, creds domain.RequestCredentials, operationID string) error {
	op, err := s.store.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if err := s.definitions.CheckDefinition(op.OperationType, op.Definition); err != nil {
		return err
	}
	if _, err := s.store.GetOperationState(ctx, operationID); err == nil {
		return fmt.Errorf("operation %s: %w", operationID, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	trustID, err := s.trusts.AddOperation(ctx, creds, operationID)
	if err != nil {
		return err
	}

	err = s.store.CreateOperationState(ctx, domain.OperationState{
		OperationID: operationID,
		ServiceID:   s.serviceID,
		TrustID:     trustID,
		State:       domain.OperationStateRegistered,
	})
	if err != nil {
		s.releaseTrust(ctx, op, operationID)
		return err
	}

	if op.Enabled {
		if err := s.triggers.RegisterOperation(ctx, op.TriggerID, operationID, nil); err != nil {
			if derr := s.store.DeleteOperationState(ctx, operationID); derr != nil {
				s.logger.Warn("engine: rollback of operation state failed",
					zap.String("operation_id", operationID), zap.Error(derr))
			}
			s.releaseTrust(ctx, op, operationID)
			return err
		}
	}

	s.logger.Info("engine: operation created",
		zap.String("operation_id", operationID), zap.String("trigger_id", op.TriggerID))
	return nil
}

func (s *Service) releaseTrust(ctx context.Context, op domain.ScheduledOperation, operationID string) {
	if err := s.trusts.DeleteOperation(ctx, op.UserID, op.ProjectID, operationID); err != nil {
		s.logger.Warn("engine: release trust failed",
			zap.String("operation_id", operationID), zap.Error(err))
	}
}

// DeleteScheduledOperation marks the operation deleted first, so a run that
// is already in flight cannot bring it back, then detaches it.
func (s *Service) DeleteScheduledOperation(ctx context.Context, creds domain.RequestCredentials, operationID, triggerID string) error {
	deleted := domain.OperationStateDeleted
	if err := s.store.UpdateOperationState(ctx, operationID, domain.StateUpdate{State: &deleted}); err != nil {
		return err
	}
	if err := s.triggers.UnregisterOperation(ctx, triggerID, operationID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := s.trusts.DeleteOperation(ctx, creds.UserID, creds.ProjectID, operationID); err != nil {
		return err
	}
	s.logger.Info("engine: operation deleted", zap.String("operation_id", operationID))
	return nil
}

// SuspendScheduledOperation keeps the operation but stops it from firing.
func (s *Service) SuspendScheduledOperation(ctx context.Context, operationID, triggerID string) error {
	if err := s.store.SetOperationEnabled(ctx, operationID, false); err != nil {
		return err
	}
	if err := s.triggers.UnregisterOperation(ctx, triggerID, operationID); err != nil {
		return err
	}
	s.logger.Info("engine: operation suspended", zap.String("operation_id", operationID))
	return nil
}

func (s *Service) ResumeScheduledOperation(ctx context.Context, operationID, triggerID string) error {
	if err := s.triggers.RegisterOperation(ctx, triggerID, operationID, nil); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
	}
	if err := s.store.SetOperationEnabled(ctx, operationID, true); err != nil {
		if uerr := s.triggers.UnregisterOperation(ctx, triggerID, operationID); uerr != nil {
			s.logger.Warn("engine: rollback of resume failed",
				zap.String("operation_id", operationID), zap.Error(uerr))
		}
		return err
	}
	s.logger.Info("engine: operation resumed", zap.String("operation_id", operationID))
	return nil
}

func (s *Service) CreateTrigger(ctx context.Context, t domain.Trigger) error {
	return s.triggers.AddTrigger(ctx, t.ID, t.Type, t.Definition)
}

func (s *Service) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	return s.triggers.UpdateTrigger(ctx, t.ID, t.Definition)
}

// DeleteTrigger is refused while operations are registered on the trigger.
func (s *Service) DeleteTrigger(ctx context.Context, triggerID string) error {
	return s.triggers.RemoveTrigger(ctx, triggerID)
}

// Start restores every persisted trigger, then every operation this service
// owns that is not deleted. Operations interrupted while triggered or running
// are handed back to the executor for what is left of their window; those
// whose window has passed go back to registered. Individual failures are
// logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	triggers, err := s.restoreTriggers(ctx)
	if err != nil {
		return err
	}
	ops, err := s.restoreOperations(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("engine: started",
		zap.String("service_id", s.serviceID), zap.Int("triggers", triggers), zap.Int("operations", ops))
	return nil
}

func (s *Service) restoreTriggers(ctx context.Context) (int, error) {
	restored := 0
	for offset := 0; ; offset += restorePageSize {
		page, err := s.store.ListTriggers(ctx, restorePageSize, offset)
		if err != nil {
			return restored, fmt.Errorf("list triggers: %w", err)
		}
		for _, t := range page {
			if err := s.triggers.AddTrigger(ctx, t.ID, t.Type, t.Definition); err != nil {
				s.logger.Error("engine: restore trigger failed",
					zap.String("trigger_id", t.ID), zap.Error(err))
				continue
			}
			restored++
		}
		if len(page) < restorePageSize {
			return restored, nil
		}
	}
}

func (s *Service) restoreOperations(ctx context.Context) (int, error) {
	filter := domain.StateFilter{
		ServiceID: s.serviceID,
		States: []domain.OperationStateValue{
			domain.OperationStateRegistered,
			domain.OperationStateTriggered,
			domain.OperationStateRunning,
		},
	}

	restored := 0
	for offset := 0; ; offset += restorePageSize {
		page, err := s.store.ListOperationStates(ctx, filter, restorePageSize, offset)
		if err != nil {
			return restored, fmt.Errorf("list operation states: %w", err)
		}
		for _, row := range page {
			if s.restoreOperation(ctx, row) {
				restored++
			}
		}
		if len(page) < restorePageSize {
			return restored, nil
		}
	}
}

func (s *Service) restoreOperation(ctx context.Context, row domain.StateWithOperation) bool {
	op, st := row.Operation, row.State
	if !op.Enabled {
		return false
	}

	s.trusts.ResumeOperation(op.ID, op.UserID, op.ProjectID, st.TrustID)

	var hint *trigger.ResumeHint
	if st.State != domain.OperationStateRegistered {
		if st.EndTimeForRun != nil && s.clock.Now().Before(*st.EndTimeForRun) {
			hint = &trigger.ResumeHint{EndTimeForRun: *st.EndTimeForRun}
		} else {
			s.resetState(ctx, op.ID)
		}
	}

	if err := s.triggers.RegisterOperation(ctx, op.TriggerID, op.ID, hint); err != nil {
		s.logger.Error("engine: restore operation failed",
			zap.String("operation_id", op.ID), zap.String("trigger_id", op.TriggerID), zap.Error(err))
		return false
	}
	return true
}

func (s *Service) resetState(ctx context.Context, operationID string) {
	registered := domain.OperationStateRegistered
	if err := s.store.UpdateOperationState(ctx, operationID, domain.StateUpdate{State: &registered}); err != nil {
		s.logger.Warn("engine: reset of stale operation state failed",
			zap.String("operation_id", operationID), zap.Error(err))
	}
}

// Stop shuts down every live trigger and the executor behind them.
func (s *Service) Stop() {
	s.triggers.Shutdown()
	s.logger.Info("engine: stopped", zap.String("service_id", s.serviceID))
}

var _ Triggers = (*trigger.Manager)(nil)
