package sentinel

import (
	"context"

	"github.com/oarkflow/sentinel/logger"
)

// ============================================================================
// TENANT SESSION BINDER
// ============================================================================

// ScopeUnrestricted is the sentinel scope bound for service principals.
// Binding it is the highest-risk capability in the system and is always
// audited by the gate.
const ScopeUnrestricted = "*"

// ScopedStore is the storage collaborator's side of tenant scoping: it
// accepts a "current tenant scope" per operation so the store itself
// enforces isolation even when a query forgets to filter by tenant.
type ScopedStore interface {
	BindTenant(ctx context.Context, tenantID string) error
	Unbind(ctx context.Context) error
}

type scopeContextKey struct{}

// ContextWithScope stores the active tenant scope in the context. Scope is
// always operation-local state, never a process-wide variable.
func ContextWithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext extracts the active tenant scope, if any.
func ScopeFromContext(ctx context.Context) (string, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(string)
	return scope, ok
}

// Binder establishes a per-operation tenant scope around a function and
// guarantees the scope is cleared on every exit path: success, error and
// panic. Cancellation of ctx does not skip the cleanup.
type Binder struct {
	store  ScopedStore
	logger logger.Logger
}

type BinderOption func(*Binder)

func WithBinderLogger(l logger.Logger) BinderOption {
	return func(b *Binder) {
		if l != nil {
			b.logger = l
		}
	}
}

func NewBinder(store ScopedStore, opts ...BinderOption) *Binder {
	b := &Binder{store: store, logger: logger.NewPhusluLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scope returns the scope a principal binds: its tenant id, or the
// unrestricted sentinel for service principals.
func Scope(p *Principal) string {
	if p.IsService() {
		return ScopeUnrestricted
	}
	return p.TenantID
}

// WithTenantScope binds the principal's scope on the store and in the
// context for the duration of fn. Clearing the scope on exit is a hard
// invariant, not best-effort: a panic inside fn still unbinds before the
// panic propagates, so pooled connections never leak scope across
// requests.
func (b *Binder) WithTenantScope(ctx context.Context, p *Principal, fn func(ctx context.Context) error) error {
	scope := Scope(p)
	if scope == ScopeUnrestricted {
		b.logger.Info("binding unrestricted scope", "principal", p.UserID)
	}
	scoped := ContextWithScope(ctx, scope)
	if err := b.store.BindTenant(scoped, scope); err != nil {
		return err
	}
	defer func() {
		// the original ctx may already be cancelled; unbind must still run
		if err := b.store.Unbind(scoped); err != nil {
			b.logger.Error("scope unbind failed", "scope", scope, "error", err.Error())
		}
	}()
	return fn(scoped)
}
