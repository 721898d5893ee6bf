// Package trust keeps one delegated credential per (user, project) shared by
// every scheduled operation of that pair.
package trust

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// Issuer creates and redeems delegated credentials.
type Issuer interface {
	CreateTrust(ctx context.Context, userID, projectID, token string) (string, error)
	DeleteTrust(ctx context.Context, trustID string) error
	Token(ctx context.Context, trustID string) (string, error)
}

type key struct {
	userID    string
	projectID string
}

type session struct {
	trustID    string
	operations map[string]struct{}
}

type Manager struct {
	issuer Issuer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[key]*session
}

func NewManager(issuer Issuer) *Manager {
	return &Manager{
		issuer:   issuer,
		logger:   zap.NewNop(),
		sessions: make(map[key]*session),
	}
}

func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	m.logger = logger
	return m
}

// AddOperation returns the trust shared by creds' user and project, creating
// it for the first operation.
func (m *Manager) AddOperation(ctx context.Context, creds domain.RequestCredentials, operationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{creds.UserID, creds.ProjectID}
	s, ok := m.sessions[k]
	if !ok {
		trustID, err := m.issuer.CreateTrust(ctx, creds.UserID, creds.ProjectID, creds.Token)
		if err != nil {
			return "", fmt.Errorf("create trust for user %s: %w", creds.UserID, err)
		}
		s = &session{trustID: trustID, operations: make(map[string]struct{})}
		m.sessions[k] = s
		m.logger.Info("trust: created", zap.String("user_id", creds.UserID), zap.String("project_id", creds.ProjectID))
	}
	s.operations[operationID] = struct{}{}
	return s.trustID, nil
}

// DeleteOperation drops the operation and deletes the trust once no operation
// of the pair remains.
func (m *Manager) DeleteOperation(ctx context.Context, userID, projectID, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{userID, projectID}
	s, ok := m.sessions[k]
	if !ok {
		return nil
	}
	delete(s.operations, operationID)
	if len(s.operations) > 0 {
		return nil
	}
	delete(m.sessions, k)
	if err := m.issuer.DeleteTrust(ctx, s.trustID); err != nil {
		return fmt.Errorf("delete trust %s: %w", s.trustID, err)
	}
	m.logger.Info("trust: deleted", zap.String("user_id", userID), zap.String("project_id", projectID))
	return nil
}

// ResumeOperation rebuilds the cache from a persisted trust after a restart.
func (m *Manager) ResumeOperation(operationID, userID, projectID, trustID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{userID, projectID}
	s, ok := m.sessions[k]
	if !ok {
		s = &session{trustID: trustID, operations: make(map[string]struct{})}
		m.sessions[k] = s
	} else if s.trustID != trustID {
		m.logger.Warn("trust: operation persisted with a different trust",
			zap.String("operation_id", operationID), zap.String("user_id", userID))
	}
	s.operations[operationID] = struct{}{}
}

// Token mints a token for the pair's trust.
func (m *Manager) Token(ctx context.Context, userID, projectID string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[key{userID, projectID}]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: no trust for user %s in project %s", domain.ErrNotFound, userID, projectID)
	}
	return m.issuer.Token(ctx, s.trustID)
}

// StaticIssuer authenticates every trust with one service token.
type StaticIssuer struct {
	ServiceToken string
}

func (i StaticIssuer) CreateTrust(ctx context.Context, userID, projectID, token string) (string, error) {
	return uuid.NewString(), nil
}

func (i StaticIssuer) DeleteTrust(ctx context.Context, trustID string) error { return nil }

func (i StaticIssuer) Token(ctx context.Context, trustID string) (string, error) {
	if i.ServiceToken == "" {
		return "", fmt.Errorf("%w: service token not configured", domain.ErrInvalidInput)
	}
	return i.ServiceToken, nil
}
