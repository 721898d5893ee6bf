package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/djlord-it/easy-protect/internal/domain"
)

type mockIssuer struct {
	mu      sync.Mutex
	created int
	deleted []string
	failNew bool
}

func (i *mockIssuer) CreateTrust(ctx context.Context, userID, projectID, token string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.failNew {
		return "", errors.New("identity service down")
	}
	i.created++
	return fmt.Sprintf("trust-%d", i.created), nil
}

func (i *mockIssuer) DeleteTrust(ctx context.Context, trustID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deleted = append(i.deleted, trustID)
	return nil
}

func (i *mockIssuer) Token(ctx context.Context, trustID string) (string, error) {
	return "token-for-" + trustID, nil
}

var alice = domain.RequestCredentials{UserID: "alice", ProjectID: "p1", Token: "t"}

func TestManager_SharesTrustPerUserProject(t *testing.T) {
	issuer := &mockIssuer{}
	m := NewManager(issuer)
	ctx := context.Background()

	t1, err := m.AddOperation(ctx, alice, "op-1")
	if err != nil {
		t.Fatalf("AddOperation: %v", err)
	}
	t2, err := m.AddOperation(ctx, alice, "op-2")
	if err != nil {
		t.Fatalf("AddOperation: %v", err)
	}
	if t1 != t2 {
		t.Errorf("trusts differ: %s vs %s", t1, t2)
	}

	bob := domain.RequestCredentials{UserID: "bob", ProjectID: "p1"}
	t3, _ := m.AddOperation(ctx, bob, "op-3")
	if t3 == t1 {
		t.Error("different users must not share a trust")
	}
	if issuer.created != 2 {
		t.Errorf("created = %d, want 2", issuer.created)
	}
}

func TestManager_DeletesTrustWithLastOperation(t *testing.T) {
	issuer := &mockIssuer{}
	m := NewManager(issuer)
	ctx := context.Background()

	trustID, _ := m.AddOperation(ctx, alice, "op-1")
	_, _ = m.AddOperation(ctx, alice, "op-2")

	if err := m.DeleteOperation(ctx, "alice", "p1", "op-1"); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	if len(issuer.deleted) != 0 {
		t.Fatal("trust deleted while an operation remains")
	}
	if err := m.DeleteOperation(ctx, "alice", "p1", "op-2"); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	if len(issuer.deleted) != 1 || issuer.deleted[0] != trustID {
		t.Errorf("deleted = %v, want [%s]", issuer.deleted, trustID)
	}
	if _, err := m.Token(ctx, "alice", "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after deletion, got %v", err)
	}

	if err := m.DeleteOperation(ctx, "nobody", "p1", "op-x"); err != nil {
		t.Errorf("unknown pair should be a no-op, got %v", err)
	}
}

func TestManager_ResumeAndToken(t *testing.T) {
	issuer := &mockIssuer{}
	m := NewManager(issuer)
	ctx := context.Background()

	m.ResumeOperation("op-1", "alice", "p1", "trust-persisted")
	m.ResumeOperation("op-2", "alice", "p1", "trust-persisted")

	tok, err := m.Token(ctx, "alice", "p1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "token-for-trust-persisted" {
		t.Errorf("token = %q", tok)
	}

	trustID, _ := m.AddOperation(ctx, alice, "op-3")
	if trustID != "trust-persisted" {
		t.Errorf("AddOperation after resume = %s, want the persisted trust", trustID)
	}
	if issuer.created != 0 {
		t.Error("resume must not create trusts")
	}
}

func TestManager_CreateFailure(t *testing.T) {
	m := NewManager(&mockIssuer{failNew: true})
	if _, err := m.AddOperation(context.Background(), alice, "op-1"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := m.Token(context.Background(), "alice", "p1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("failed creation must not leave a session, got %v", err)
	}
}

func TestStaticIssuer(t *testing.T) {
	ctx := context.Background()
	i := StaticIssuer{ServiceToken: "svc"}

	id1, _ := i.CreateTrust(ctx, "u", "p", "t")
	id2, _ := i.CreateTrust(ctx, "u", "p", "t")
	if id1 == "" || id1 == id2 {
		t.Errorf("trust ids = %q, %q", id1, id2)
	}
	if tok, err := i.Token(ctx, id1); err != nil || tok != "svc" {
		t.Errorf("Token = %q, %v", tok, err)
	}
	if _, err := (StaticIssuer{}).Token(ctx, id1); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without a service token, got %v", err)
	}
}
