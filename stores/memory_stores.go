package stores

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/sentinel"
)

// In-memory implementations of the engine's storage ports. Used by tests
// and small single-process deployments.

// MemoryPolicyStore keeps versioned policy sets with atomic swap
// semantics: readers of the active map see either the previous set or the
// new one in full.
type MemoryPolicyStore struct {
	mu      sync.RWMutex
	active  map[string]*sentinel.PolicySet
	history map[string][]*sentinel.PolicySet
	sums    map[string]string
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		active:  make(map[string]*sentinel.PolicySet),
		history: make(map[string][]*sentinel.PolicySet),
		sums:    make(map[string]string),
	}
}

func (s *MemoryPolicyStore) LoadActive(ctx context.Context) (map[string]*sentinel.PolicySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*sentinel.PolicySet, len(s.active))
	for rt, set := range s.active {
		out[rt] = set
	}
	return out, nil
}

func (s *MemoryPolicyStore) ActiveChecksum(ctx context.Context, resourceType string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sums[resourceType], nil
}

func (s *MemoryPolicyStore) Replace(ctx context.Context, set *sentinel.PolicySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.active[set.ResourceType]; ok {
		s.history[set.ResourceType] = append(s.history[set.ResourceType], old)
		set.Version = old.Version + 1
	} else {
		set.Version = 1
	}
	s.active[set.ResourceType] = set
	s.sums[set.ResourceType] = set.Checksum()
	return nil
}

// History returns superseded sets for a resource type, oldest first.
func (s *MemoryPolicyStore) History(resourceType string) []*sentinel.PolicySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*sentinel.PolicySet(nil), s.history[resourceType]...)
}

// MemoryTenantStore holds tenants keyed by id.
type MemoryTenantStore struct {
	mu      sync.RWMutex
	tenants map[string]*sentinel.Tenant
}

func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]*sentinel.Tenant)}
}

func (s *MemoryTenantStore) PutTenant(t *sentinel.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	s.tenants[t.ID] = t
}

func (s *MemoryTenantStore) GetTenant(ctx context.Context, id string) (*sentinel.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("tenant not found: %s", id)
	}
	return t, nil
}

// MemoryMembershipStore holds memberships keyed by subject+tenant.
type MemoryMembershipStore struct {
	mu          sync.RWMutex
	memberships map[string]*sentinel.Membership
}

func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{memberships: make(map[string]*sentinel.Membership)}
}

func membershipKey(subjectID, tenantID string) string {
	return subjectID + "\x00" + tenantID
}

func (s *MemoryMembershipStore) PutMembership(m *sentinel.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.memberships[membershipKey(m.SubjectID, m.TenantID)] = m
}

func (s *MemoryMembershipStore) GetMembership(ctx context.Context, subjectID, tenantID string) (*sentinel.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[membershipKey(subjectID, tenantID)]
	if !ok {
		return nil, fmt.Errorf("no membership for %s in %s", subjectID, tenantID)
	}
	return m, nil
}

// MemoryAuditStore appends events to a slice. Concurrent appends are safe;
// nothing ever mutates or removes an entry.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []*sentinel.AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{events: make([]*sentinel.AuditEvent, 0)}
}

func (s *MemoryAuditStore) Append(ctx context.Context, event *sentinel.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *event
	s.events = append(s.events, &dup)
	return nil
}

func (s *MemoryAuditStore) Query(ctx context.Context, filter sentinel.AuditFilter) ([]*sentinel.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*sentinel.AuditEvent, 0)
	skipped := 0
	for _, ev := range s.events {
		if !auditMatches(ev, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		result = append(result, ev)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Len reports the number of stored events (test helper).
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func auditMatches(ev *sentinel.AuditEvent, f sentinel.AuditFilter) bool {
	if f.TenantID != "" && ev.TenantID != f.TenantID {
		return false
	}
	if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
		return false
	}
	if f.ResourceType != "" && ev.ResourceType != f.ResourceType {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Start.IsZero() && ev.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ev.Timestamp.After(f.End) {
		return false
	}
	return true
}

// MemoryScopedStore tracks the bound tenant scope the way a pooled
// database connection would, so tests can assert cleanup on every exit
// path.
type MemoryScopedStore struct {
	mu    sync.Mutex
	scope string
	bound bool
	log   []string
}

func NewMemoryScopedStore() *MemoryScopedStore { return &MemoryScopedStore{} }

func (s *MemoryScopedStore) BindTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return fmt.Errorf("scope already bound to %s", s.scope)
	}
	s.scope = tenantID
	s.bound = true
	s.log = append(s.log, "bind:"+tenantID)
	return nil
}

func (s *MemoryScopedStore) Unbind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return fmt.Errorf("no scope bound")
	}
	s.log = append(s.log, "unbind:"+s.scope)
	s.scope = ""
	s.bound = false
	return nil
}

// CurrentScope returns the bound scope, if any.
func (s *MemoryScopedStore) CurrentScope() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, s.bound
}

// Log returns the bind/unbind transitions observed so far.
func (s *MemoryScopedStore) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// MemorySignal is an in-process change notifier/subscriber pair for
// single-binary deployments and tests.
type MemorySignal struct {
	mu   sync.Mutex
	subs []chan string
}

func NewMemorySignal() *MemorySignal { return &MemorySignal{} }

func (s *MemorySignal) NotifyPolicyChange(ctx context.Context, resourceType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- resourceType:
		default:
		}
	}
	return nil
}

func (s *MemorySignal) SubscribePolicyChanges(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, nil
}
