package sentinel

import (
	"context"
	"fmt"
	"sync"
)

// Test fakes for the engine's storage and identity ports. The production
// implementations live in the stores package; these stay minimal so each
// test controls exactly what the collaborator does.

type memPolicyStore struct {
	mu       sync.RWMutex
	active   map[string]*PolicySet
	sums     map[string]string
	replaces int
}

func newMemPolicyStore() *memPolicyStore {
	return &memPolicyStore{
		active: make(map[string]*PolicySet),
		sums:   make(map[string]string),
	}
}

func (s *memPolicyStore) LoadActive(ctx context.Context) (map[string]*PolicySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*PolicySet, len(s.active))
	for rt, set := range s.active {
		out[rt] = set
	}
	return out, nil
}

func (s *memPolicyStore) ActiveChecksum(ctx context.Context, resourceType string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sums[resourceType], nil
}

func (s *memPolicyStore) Replace(ctx context.Context, set *PolicySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.active[set.ResourceType]; ok {
		set.Version = old.Version + 1
	} else {
		set.Version = 1
	}
	s.active[set.ResourceType] = set
	s.sums[set.ResourceType] = set.Checksum()
	s.replaces++
	return nil
}

func (s *memPolicyStore) replaceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replaces
}

type memAuditStore struct {
	mu        sync.RWMutex
	events    []*AuditEvent
	appendErr error
	lastQuery AuditFilter
}

func newMemAuditStore() *memAuditStore { return &memAuditStore{} }

func (s *memAuditStore) Append(ctx context.Context, ev *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	dup := *ev
	s.events = append(s.events, &dup)
	return nil
}

func (s *memAuditStore) Query(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	s.mu.Lock()
	s.lastQuery = filter
	s.mu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEvent, 0)
	for _, ev := range s.events {
		if filter.TenantID != "" && ev.TenantID != filter.TenantID {
			continue
		}
		if filter.PrincipalID != "" && ev.PrincipalID != filter.PrincipalID {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memAuditStore) all() []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*AuditEvent(nil), s.events...)
}

type captureSink struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (s *captureSink) Write(ev *AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *ev
	s.events = append(s.events, &dup)
}

func (s *captureSink) all() []*AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AuditEvent(nil), s.events...)
}

type memScopedStore struct {
	mu  sync.Mutex
	log []string
}

func (s *memScopedStore) BindTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "bind:"+tenantID)
	return nil
}

func (s *memScopedStore) Unbind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, "unbind")
	return nil
}

func (s *memScopedStore) transitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

type memTenantStore struct {
	tenants map[string]*Tenant
}

func (s *memTenantStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant not found: %s", id)
	}
	return t, nil
}

type memMembershipStore struct {
	mu      sync.Mutex
	members map[string]*Membership
	lookups int
}

func membershipKey(subjectID, tenantID string) string {
	return subjectID + "\x00" + tenantID
}

func (s *memMembershipStore) GetMembership(ctx context.Context, subjectID, tenantID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	m, ok := s.members[membershipKey(subjectID, tenantID)]
	if !ok {
		return nil, fmt.Errorf("no membership for %s in %s", subjectID, tenantID)
	}
	return m, nil
}

type memMembershipCache struct {
	mu      sync.Mutex
	entries map[string]*Membership
}

func newMemMembershipCache() *memMembershipCache {
	return &memMembershipCache{entries: make(map[string]*Membership)}
}

func (c *memMembershipCache) GetMembership(ctx context.Context, subjectID, tenantID string) (*Membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[membershipKey(subjectID, tenantID)]
	return m, ok
}

func (c *memMembershipCache) PutMembership(ctx context.Context, m *Membership) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[membershipKey(m.SubjectID, m.TenantID)] = m
}

type staticVerifier struct {
	claims map[string]*Claims
}

func (v staticVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	c, ok := v.claims[token]
	if !ok {
		return nil, fmt.Errorf("bad signature")
	}
	return c, nil
}

type memNotifier struct {
	mu       sync.Mutex
	notified []string
	err      error
}

func (n *memNotifier) NotifyPolicyChange(ctx context.Context, resourceType string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notified = append(n.notified, resourceType)
	return nil
}

func (n *memNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notified...)
}

// customerPolicySet is the baseline fixture: owners and managers get full
// access to customers, staff may read only records assigned to them.
func customerPolicySet() *PolicySet {
	return &PolicySet{
		ResourceType: "customers",
		Policies: []*Policy{
			{Action: ActionCreate, AllowedRoles: []Role{RoleOwner, RoleManager}},
			{Action: ActionRead, AllowedRoles: []Role{RoleOwner, RoleManager, RoleStaff, RoleService},
				Conditions: []ConditionalRule{
					{Roles: []Role{RoleStaff}, Capability: "customers:read_all", When: "resource.assigned_to == principal.user_id"},
				}},
			{Action: ActionList, AllowedRoles: []Role{RoleOwner, RoleManager, RoleStaff, RoleService},
				Conditions: []ConditionalRule{
					{Roles: []Role{RoleStaff}, Capability: "customers:read_all", When: "resource.assigned_to == principal.user_id"},
				}},
			{Action: ActionUpdate, AllowedRoles: []Role{RoleOwner, RoleManager}},
			{Action: ActionDelete, AllowedRoles: []Role{RoleOwner}},
		},
	}
}

func mustRegistry(t interface{ Fatalf(string, ...any) }, sets ...*PolicySet) *Registry {
	store := newMemPolicyStore()
	reg := NewRegistry(store)
	for _, set := range sets {
		if err := set.Compile(); err != nil {
			t.Fatalf("compile fixture: %v", err)
		}
		reg.Replace(set)
	}
	return reg
}
