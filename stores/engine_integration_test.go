package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/sentinel"
)

type tokenVerifier map[string]*sentinel.Claims

func (v tokenVerifier) Verify(ctx context.Context, token string) (*sentinel.Claims, error) {
	c, ok := v[token]
	if !ok {
		return nil, errors.New("bad signature")
	}
	return c, nil
}

// Full wiring: SQL policy and audit stores, in-memory identity stores, and
// the gate on top. This is the assembly a single-binary deployment uses.
func TestEngineEndToEnd(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tenants := NewMemoryTenantStore()
	tenants.PutTenant(&sentinel.Tenant{ID: "t1", Name: "Acme", Status: sentinel.TenantActive})
	members := NewMemoryMembershipStore()
	members.PutMembership(&sentinel.Membership{SubjectID: "alice", TenantID: "t1", Role: sentinel.RoleOwner})
	members.PutMembership(&sentinel.Membership{SubjectID: "bob", TenantID: "t1", Role: sentinel.RoleViewer})

	resolver := sentinel.NewIdentityResolver(tokenVerifier{
		"tok-alice": {Subject: "alice", TenantClaims: []string{"t1"}},
		"tok-bob":   {Subject: "bob", TenantClaims: []string{"t1"}},
	}, tenants, members)

	policies := NewSQLPolicyStore(db)
	registry := sentinel.NewRegistry(policies)
	evaluator, err := sentinel.NewEvaluator(registry)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	installer := sentinel.NewInstaller(policies, registry,
		sentinel.WithChangeNotifier(NewMemorySignal()),
		sentinel.WithCacheInvalidation(evaluator))
	if err := installer.EnsurePolicies(ctx, testPolicySet()); err != nil {
		t.Fatalf("install: %v", err)
	}
	scoped := NewMemoryScopedStore()
	audits := NewSQLAuditStore(db)
	recorder := sentinel.NewRecorder(audits)
	gate := sentinel.NewGate(resolver, evaluator, sentinel.NewBinder(scoped), recorder)

	// owner updates a customer
	result, err := gate.Do(ctx, sentinel.Request{
		Credential:   sentinel.Credential{Token: "tok-alice", TenantID: "t1"},
		ResourceType: "customers",
		Action:       sentinel.ActionUpdate,
		ResourceID:   "c1",
	}, func(ctx context.Context, op *sentinel.Op) (any, error) {
		if scope, ok := sentinel.ScopeFromContext(ctx); !ok || scope != "t1" {
			t.Errorf("expected tenant scope t1, got %q", scope)
		}
		op.SetBefore(map[string]any{"name": "Ada", "password_hash": "x"})
		op.SetAfter(map[string]any{"name": "Ada L."})
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected business result, got %v", result)
	}

	// viewer update is denied and downgraded
	_, err = gate.Do(ctx, sentinel.Request{
		Credential:   sentinel.Credential{Token: "tok-bob", TenantID: "t1"},
		ResourceType: "customers",
		Action:       sentinel.ActionUpdate,
		ResourceID:   "c1",
	}, func(ctx context.Context, op *sentinel.Op) (any, error) {
		t.Errorf("business function must not run on denial")
		return nil, nil
	})
	if !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for viewer update, got %v", err)
	}

	recorder.Close()

	// both attempts are in the durable trail
	events, err := gate.Audit(ctx, sentinel.AuditFilter{TenantID: "t1", Limit: 10})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	var sawAllow, sawDeny bool
	for _, ev := range events {
		switch ev.Decision {
		case sentinel.OutcomeAllowed:
			sawAllow = true
			if _, ok := ev.Before["password_hash"]; ok {
				t.Fatalf("sensitive field survived into the durable trail")
			}
		case sentinel.OutcomeDenied:
			sawDeny = true
		}
	}
	if !sawAllow || !sawDeny {
		t.Fatalf("expected one allowed and one denied event: %+v", events)
	}

	// scope was cleaned up after every operation
	if _, bound := scoped.CurrentScope(); bound {
		t.Fatalf("scope leaked after the operations")
	}
}

// A second process observing the same database refreshes on the change
// signal and serves the new policy version.
func TestPolicyPropagationAcrossRegistries(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policies := NewSQLPolicyStore(db)
	signal := NewMemorySignal()

	writer := sentinel.NewRegistry(policies)
	installer := sentinel.NewInstaller(policies, writer, sentinel.WithChangeNotifier(signal))

	reader := sentinel.NewRegistry(policies, sentinel.WithRefreshInterval(0))
	done := make(chan struct{})
	go func() {
		reader.Start(ctx, signal)
		close(done)
	}()
	// let the subscription register before installing
	time.Sleep(10 * time.Millisecond)

	if err := installer.EnsurePolicies(ctx, testPolicySet()); err != nil {
		t.Fatalf("install: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := reader.Get("customers", sentinel.ActionRead); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reader registry never saw the installed policy")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
