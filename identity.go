package sentinel

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/sentinel/logger"
)

// ============================================================================
// IDENTITY CONTEXT
// ============================================================================

// Credential is an opaque bearer credential plus the claimed tenant.
// TenantID may be empty when the subject belongs to exactly one tenant.
type Credential struct {
	Token    string
	TenantID string
}

// Claims is the contract with the external identity-verification
// collaborator. Token format and signing scheme are its concern.
type Claims struct {
	Subject      string
	TenantClaims []string
	ExpiresAt    time.Time
}

// CredentialVerifier validates credential signature and expiry.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Membership is a subject's standing within one tenant: role, permission
// set and attribute bag. Loaded from a trusted store per request.
type Membership struct {
	SubjectID   string         `json:"subject_id"`
	TenantID    string         `json:"tenant_id"`
	Role        Role           `json:"role"`
	Permissions []string       `json:"permissions"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MembershipStore loads memberships. Lookup must be a single indexed read;
// it runs on every request.
type MembershipStore interface {
	GetMembership(ctx context.Context, subjectID, tenantID string) (*Membership, error)
}

// TenantStore loads tenant records.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
}

// MembershipCache is an optional read-through cache in front of the
// membership store (the Redis implementation lives in stores).
type MembershipCache interface {
	GetMembership(ctx context.Context, subjectID, tenantID string) (*Membership, bool)
	PutMembership(ctx context.Context, m *Membership)
}

// IdentityResolver turns a verified credential into a Principal. It has no
// side effects beyond reads.
type IdentityResolver struct {
	verifier    CredentialVerifier
	tenants     TenantStore
	memberships MembershipStore
	cache       MembershipCache
	logger      logger.Logger
	now         func() time.Time
}

type IdentityOption func(*IdentityResolver)

// WithMembershipCache installs a read-through membership cache.
func WithMembershipCache(c MembershipCache) IdentityOption {
	return func(r *IdentityResolver) { r.cache = c }
}

func WithIdentityLogger(l logger.Logger) IdentityOption {
	return func(r *IdentityResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewIdentityResolver(verifier CredentialVerifier, tenants TenantStore, memberships MembershipStore, opts ...IdentityOption) *IdentityResolver {
	r := &IdentityResolver{
		verifier:    verifier,
		tenants:     tenants,
		memberships: memberships,
		logger:      logger.NewPhusluLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates the credential and loads the principal's role,
// permissions and attribute bag for the claimed tenant.
//
// Failure modes, all surfaced to callers as generic auth failures:
//   - ErrUnauthenticated: invalid or expired credential
//   - ErrTenantMismatch: no membership in the claimed tenant
//   - ErrTenantInactive: tenant status is not active
func (r *IdentityResolver) Resolve(ctx context.Context, cred Credential) (*Principal, error) {
	claims, err := r.verifier.Verify(ctx, cred.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims == nil || claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrUnauthenticated)
	}
	if !claims.ExpiresAt.IsZero() && r.now().After(claims.ExpiresAt) {
		return nil, fmt.Errorf("%w: credential expired", ErrUnauthenticated)
	}

	tenantID := cred.TenantID
	if tenantID == "" {
		// single-tenant subjects may omit the claim
		if len(claims.TenantClaims) != 1 {
			return nil, fmt.Errorf("%w: tenant claim required", ErrTenantMismatch)
		}
		tenantID = claims.TenantClaims[0]
	} else if !containsString(claims.TenantClaims, tenantID) {
		return nil, fmt.Errorf("%w: subject has no claim on tenant", ErrTenantMismatch)
	}

	tenant, err := r.tenants.GetTenant(ctx, tenantID)
	if err != nil || tenant == nil {
		return nil, fmt.Errorf("%w: unknown tenant", ErrTenantMismatch)
	}
	if tenant.Status != TenantActive {
		return nil, fmt.Errorf("%w: status=%s", ErrTenantInactive, tenant.Status)
	}

	membership := r.cachedMembership(ctx, claims.Subject, tenantID)
	if membership == nil {
		membership, err = r.memberships.GetMembership(ctx, claims.Subject, tenantID)
		if err != nil || membership == nil {
			return nil, fmt.Errorf("%w: no membership", ErrTenantMismatch)
		}
		if r.cache != nil {
			r.cache.PutMembership(ctx, membership)
		}
	}
	if !membership.Role.Valid() {
		r.logger.Error("membership carries unknown role", "subject", claims.Subject, "tenant", tenantID, "role", string(membership.Role))
		return nil, fmt.Errorf("%w: unknown role", ErrTenantMismatch)
	}

	// Copies, not references: the membership may be shared through the
	// cache and a caller mutating the principal must not poison it.
	attrs := make(map[string]any, len(membership.Attrs))
	for k, v := range membership.Attrs {
		attrs[k] = v
	}
	return &Principal{
		UserID:      membership.SubjectID,
		TenantID:    membership.TenantID,
		Role:        membership.Role,
		Permissions: append([]string(nil), membership.Permissions...),
		Attrs:       attrs,
	}, nil
}

func (r *IdentityResolver) cachedMembership(ctx context.Context, subjectID, tenantID string) *Membership {
	if r.cache == nil {
		return nil
	}
	if m, ok := r.cache.GetMembership(ctx, subjectID, tenantID); ok {
		return m
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
