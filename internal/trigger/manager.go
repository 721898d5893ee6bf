package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/timeformat"
)

// Executor runs fired operations.
type Executor interface {
	Submitter
	CancelOperation(operationID string)
	ResumeOperation(ctx context.Context, operationID string, endTimeForRun time.Time) error
	Shutdown()
}

// ResumeHint marks a registration that continues a run interrupted by a
// restart.
type ResumeHint struct {
	EndTimeForRun time.Time
}

// Manager routes calls to the live triggers of this process.
type Manager struct {
	config    Config
	formats   *timeformat.Registry
	executor  Executor
	factories map[domain.TriggerType]Factory
	logger    *zap.Logger

	mu       sync.Mutex
	triggers map[string]Trigger
}

// NewManager refuses configurations failing CheckConfiguration.
func NewManager(cfg Config, formats *timeformat.Registry, executor Executor) (*Manager, error) {
	if err := CheckConfiguration(cfg); err != nil {
		return nil, err
	}
	return &Manager{
		config:    cfg,
		formats:   formats,
		executor:  executor,
		factories: make(map[domain.TriggerType]Factory),
		logger:    zap.NewNop(),
		triggers:  make(map[string]Trigger),
	}, nil
}

func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	m.logger = logger
	return m
}

// RegisterFactory binds a trigger type to its realization.
func (m *Manager) RegisterFactory(typ domain.TriggerType, f Factory) *Manager {
	m.factories[typ] = f
	return m
}

// CheckDefinition validates def against the manager's bounds and formats.
func (m *Manager) CheckDefinition(def domain.TriggerDefinition) (Property, error) {
	return CheckDefinition(def, m.config, m.formats)
}

func (m *Manager) Get(triggerID string) (Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[triggerID]
	return t, ok
}

func (m *Manager) AddTrigger(ctx context.Context, triggerID string, typ domain.TriggerType, def domain.TriggerDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.triggers[triggerID]; ok {
		return fmt.Errorf("%w: trigger %s", domain.ErrAlreadyExists, triggerID)
	}
	factory, ok := m.factories[typ]
	if !ok {
		return fmt.Errorf("%w: unknown trigger type %q", domain.ErrInvalidInput, typ)
	}
	prop, err := m.CheckDefinition(def)
	if err != nil {
		return err
	}
	t, err := factory(triggerID, prop)
	if err != nil {
		return fmt.Errorf("create trigger %s: %w", triggerID, err)
	}
	m.triggers[triggerID] = t
	m.logger.Info("trigger manager: trigger added",
		zap.String("trigger_id", triggerID), zap.String("format", prop.Format), zap.String("pattern", prop.Pattern))
	return nil
}

// RemoveTrigger is refused while operations are registered.
func (m *Manager) RemoveTrigger(ctx context.Context, triggerID string) error {
	m.mu.Lock()
	t, ok := m.triggers[triggerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: trigger %s", domain.ErrNotFound, triggerID)
	}
	if t.HasOperations() {
		m.mu.Unlock()
		return fmt.Errorf("%w: trigger %s has registered operations", domain.ErrDeleteNotAllowed, triggerID)
	}
	delete(m.triggers, triggerID)
	m.mu.Unlock()

	t.Shutdown()
	m.logger.Info("trigger manager: trigger removed", zap.String("trigger_id", triggerID))
	return nil
}

func (m *Manager) UpdateTrigger(ctx context.Context, triggerID string, def domain.TriggerDefinition) error {
	t, ok := m.Get(triggerID)
	if !ok {
		return fmt.Errorf("%w: trigger %s", domain.ErrNotFound, triggerID)
	}
	prop, err := m.CheckDefinition(def)
	if err != nil {
		return err
	}
	return t.UpdateProperty(ctx, prop)
}

// RegisterOperation attaches an operation to its trigger. With a resume hint
// the interrupted run is handed to the executor after registration.
func (m *Manager) RegisterOperation(ctx context.Context, triggerID, operationID string, resume *ResumeHint) error {
	t, ok := m.Get(triggerID)
	if !ok {
		return fmt.Errorf("%w: trigger %s", domain.ErrNotFound, triggerID)
	}
	if err := t.RegisterOperation(ctx, operationID); err != nil {
		return err
	}
	if resume != nil {
		if err := m.executor.ResumeOperation(ctx, operationID, resume.EndTimeForRun); err != nil {
			m.logger.Warn("trigger manager: resume refused",
				zap.String("operation_id", operationID), zap.Error(err))
		}
	}
	return nil
}

// UnregisterOperation detaches the operation and cancels any run that has
// not started yet.
func (m *Manager) UnregisterOperation(ctx context.Context, triggerID, operationID string) error {
	t, ok := m.Get(triggerID)
	if !ok {
		return fmt.Errorf("%w: trigger %s", domain.ErrNotFound, triggerID)
	}
	t.UnregisterOperation(ctx, operationID)
	m.executor.CancelOperation(operationID)
	return nil
}

// Shutdown stops every trigger, then the executor.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	triggers := make([]Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		triggers = append(triggers, t)
	}
	m.triggers = make(map[string]Trigger)
	m.mu.Unlock()

	for _, t := range triggers {
		t.Shutdown()
	}
	m.executor.Shutdown()
	m.logger.Info("trigger manager: shutdown complete", zap.Int("triggers", len(triggers)))
}
