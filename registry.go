package sentinel

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oarkflow/sentinel/logger"
)

// ============================================================================
// POLICY REGISTRY
// ============================================================================

// PolicyStore is the durable side of the registry. Replace must be atomic:
// concurrent readers of the active set observe either the previous version
// or the new one in full.
type PolicyStore interface {
	LoadActive(ctx context.Context) (map[string]*PolicySet, error)
	ActiveChecksum(ctx context.Context, resourceType string) (string, error)
	Replace(ctx context.Context, set *PolicySet) error
}

// ChangeNotifier broadcasts that a resource type's policies changed, so
// replicas refresh without waiting for the next interval.
type ChangeNotifier interface {
	NotifyPolicyChange(ctx context.Context, resourceType string) error
}

// ChangeSubscriber delivers policy-change signals published by a
// ChangeNotifier on another replica.
type ChangeSubscriber interface {
	SubscribePolicyChanges(ctx context.Context) (<-chan string, error)
}

type registrySnapshot struct {
	sets  map[string]*PolicySet
	byKey map[policyKey]*Policy
}

type policyKey struct {
	resourceType string
	action       Action
}

// Registry holds the in-memory policy map. The read path is a single
// atomic load plus a map lookup; the write path swaps a freshly built
// snapshot (copy-on-write), so no reader ever observes a half-updated set.
type Registry struct {
	snap    atomic.Pointer[registrySnapshot]
	store   PolicyStore
	refresh time.Duration
	logger  logger.Logger
}

type RegistryOption func(*Registry)

// WithRefreshInterval bounds how stale the in-memory map may get relative
// to durable storage. Zero disables interval refresh.
func WithRefreshInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.refresh = d }
}

func WithRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(store PolicyStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		refresh: 30 * time.Second,
		logger:  logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(buildSnapshot(nil))
	return r
}

func buildSnapshot(sets map[string]*PolicySet) *registrySnapshot {
	snap := &registrySnapshot{
		sets:  make(map[string]*PolicySet, len(sets)),
		byKey: make(map[policyKey]*Policy),
	}
	for rt, set := range sets {
		snap.sets[rt] = set
		for _, p := range set.Policies {
			snap.byKey[policyKey{resourceType: rt, action: p.Action}] = p
		}
	}
	return snap
}

// Get returns the policy for a (resourceType, action) pair. Absence of a
// rule is never "no restriction": missing policies surface as
// ErrPolicyNotFound and the evaluator fails closed.
func (r *Registry) Get(resourceType string, action Action) (*Policy, error) {
	snap := r.snap.Load()
	if p, ok := snap.byKey[policyKey{resourceType: resourceType, action: action}]; ok {
		return p, nil
	}
	return nil, ErrPolicyNotFound
}

// GetSet returns the whole active set for a resource type, or nil.
func (r *Registry) GetSet(resourceType string) *PolicySet {
	return r.snap.Load().sets[resourceType]
}

// Replace installs or updates one resource type's set in the in-memory
// snapshot. Used by the Installer after a durable swap and by Refresh.
func (r *Registry) Replace(sets ...*PolicySet) {
	for {
		old := r.snap.Load()
		merged := make(map[string]*PolicySet, len(old.sets)+len(sets))
		for rt, set := range old.sets {
			merged[rt] = set
		}
		for _, set := range sets {
			merged[set.ResourceType] = set
		}
		if r.snap.CompareAndSwap(old, buildSnapshot(merged)) {
			return
		}
	}
}

// Refresh reloads the full active policy map from durable storage and
// swaps it in.
func (r *Registry) Refresh(ctx context.Context) error {
	sets, err := r.store.LoadActive(ctx)
	if err != nil {
		return err
	}
	for _, set := range sets {
		if err := set.Compile(); err != nil {
			return err
		}
	}
	r.snap.Store(buildSnapshot(sets))
	return nil
}

// Start runs interval refresh and, if a subscriber is given, refreshes on
// each invalidation signal. It returns when ctx is cancelled.
func (r *Registry) Start(ctx context.Context, sub ChangeSubscriber) {
	var signals <-chan string
	if sub != nil {
		ch, err := sub.SubscribePolicyChanges(ctx)
		if err != nil {
			r.logger.Error("policy change subscription failed", "error", err.Error())
		} else {
			signals = ch
		}
	}
	var tick <-chan time.Time
	if r.refresh > 0 {
		ticker := time.NewTicker(r.refresh)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rt, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("policy refresh on signal failed", "resource_type", rt, "error", err.Error())
			}
		case <-tick:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("interval policy refresh failed", "error", err.Error())
			}
		}
	}
}
