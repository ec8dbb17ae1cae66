package sentinel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestResolver(opts ...IdentityOption) (*IdentityResolver, *memMembershipStore) {
	verifier := staticVerifier{claims: map[string]*Claims{
		"tok-alice":  {Subject: "alice", TenantClaims: []string{"t1"}},
		"tok-bob":    {Subject: "bob", TenantClaims: []string{"t1", "t2"}},
		"tok-old":    {Subject: "carol", TenantClaims: []string{"t1"}, ExpiresAt: time.Now().Add(-time.Minute)},
		"tok-frozen": {Subject: "dave", TenantClaims: []string{"t3"}},
		"tok-svc":    {Subject: "svc-sync", TenantClaims: []string{"t1"}},
	}}
	tenants := &memTenantStore{tenants: map[string]*Tenant{
		"t1": {ID: "t1", Name: "Acme", Status: TenantActive},
		"t2": {ID: "t2", Name: "Globex", Status: TenantActive},
		"t3": {ID: "t3", Name: "Initech", Status: TenantSuspended},
	}}
	members := &memMembershipStore{members: map[string]*Membership{
		membershipKey("alice", "t1"): {SubjectID: "alice", TenantID: "t1", Role: RoleOwner,
			Permissions: []string{"customers:*"}, Attrs: map[string]any{"region": "eu"}},
		membershipKey("bob", "t1"):  {SubjectID: "bob", TenantID: "t1", Role: RoleViewer},
		membershipKey("bob", "t2"):  {SubjectID: "bob", TenantID: "t2", Role: RoleManager},
		membershipKey("dave", "t3"): {SubjectID: "dave", TenantID: "t3", Role: RoleStaff},
		membershipKey("svc-sync", "t1"): {SubjectID: "svc-sync", TenantID: "t1", Role: RoleService,
			Permissions: []string{"*"}},
	}}
	return NewIdentityResolver(verifier, tenants, members, opts...), members
}

func TestResolvePrincipal(t *testing.T) {
	resolver, _ := newTestResolver()
	p, err := resolver.Resolve(context.Background(), Credential{Token: "tok-alice", TenantID: "t1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.UserID != "alice" || p.TenantID != "t1" || p.Role != RoleOwner {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.HasPermission("customers:delete") {
		t.Fatalf("expected permissions carried over")
	}
	if v, ok := p.Attr("region"); !ok || v != "eu" {
		t.Fatalf("expected attribute bag carried over")
	}
}

func TestResolveUnauthenticated(t *testing.T) {
	resolver, _ := newTestResolver()
	if _, err := resolver.Resolve(context.Background(), Credential{Token: "garbage", TenantID: "t1"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveExpiredCredential(t *testing.T) {
	resolver, _ := newTestResolver()
	if _, err := resolver.Resolve(context.Background(), Credential{Token: "tok-old", TenantID: "t1"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for expired credential, got %v", err)
	}
}

func TestResolveTenantMismatch(t *testing.T) {
	resolver, _ := newTestResolver()
	// alice holds a claim on t1 only
	if _, err := resolver.Resolve(context.Background(), Credential{Token: "tok-alice", TenantID: "t2"}); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
}

func TestResolveSingleTenantInference(t *testing.T) {
	resolver, _ := newTestResolver()
	p, err := resolver.Resolve(context.Background(), Credential{Token: "tok-alice"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.TenantID != "t1" {
		t.Fatalf("expected inferred tenant t1, got %s", p.TenantID)
	}
}

func TestResolveAmbiguousTenantRequiresClaim(t *testing.T) {
	resolver, _ := newTestResolver()
	// bob belongs to two tenants: the credential must say which
	if _, err := resolver.Resolve(context.Background(), Credential{Token: "tok-bob"}); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch without explicit tenant, got %v", err)
	}
	p, err := resolver.Resolve(context.Background(), Credential{Token: "tok-bob", TenantID: "t2"})
	if err != nil {
		t.Fatalf("resolve with explicit tenant: %v", err)
	}
	if p.Role != RoleManager {
		t.Fatalf("expected per-tenant role manager, got %s", p.Role)
	}
}

func TestResolveTenantInactive(t *testing.T) {
	resolver, _ := newTestResolver()
	if _, err := resolver.Resolve(context.Background(), Credential{Token: "tok-frozen", TenantID: "t3"}); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("expected ErrTenantInactive, got %v", err)
	}
}

func TestResolveNoMembership(t *testing.T) {
	verifier := staticVerifier{claims: map[string]*Claims{
		"tok-eve": {Subject: "eve", TenantClaims: []string{"t1"}},
	}}
	tenants := &memTenantStore{tenants: map[string]*Tenant{
		"t1": {ID: "t1", Status: TenantActive},
	}}
	resolver := NewIdentityResolver(verifier, tenants, &memMembershipStore{members: map[string]*Membership{}})
	if _, err := resolver.Resolve(context.Background(), Credential{Token: "tok-eve", TenantID: "t1"}); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch without membership, got %v", err)
	}
}

func TestResolveAttributeBagIsPrivate(t *testing.T) {
	cache := newMemMembershipCache()
	resolver, _ := newTestResolver(WithMembershipCache(cache))
	ctx := context.Background()

	p1, err := resolver.Resolve(ctx, Credential{Token: "tok-alice", TenantID: "t1"})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// A caller writing into its principal must not reach the cached
	// membership behind it.
	p1.Attrs["region"] = "us"
	p1.Attrs["injected"] = true

	p2, err := resolver.Resolve(ctx, Credential{Token: "tok-alice", TenantID: "t1"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if v, _ := p2.Attr("region"); v != "eu" {
		t.Fatalf("mutation leaked into the shared membership: region=%v", v)
	}
	if _, ok := p2.Attr("injected"); ok {
		t.Fatalf("mutation leaked into the shared membership: injected key present")
	}
}

func TestResolveMembershipCache(t *testing.T) {
	cache := newMemMembershipCache()
	resolver, members := newTestResolver(WithMembershipCache(cache))

	if _, err := resolver.Resolve(context.Background(), Credential{Token: "tok-alice", TenantID: "t1"}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), Credential{Token: "tok-alice", TenantID: "t1"}); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	members.mu.Lock()
	lookups := members.lookups
	members.mu.Unlock()
	if lookups != 1 {
		t.Fatalf("expected the second resolve to hit the cache, store lookups=%d", lookups)
	}
}
