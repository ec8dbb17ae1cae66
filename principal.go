package sentinel

import (
	"time"

	"github.com/oarkflow/sentinel/utils"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Role is the closed enumeration of principal roles. There is no implicit
// fallthrough: every role's capability set is enumerable.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleViewer  Role = "viewer"
	RoleService Role = "service"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleStaff, RoleViewer, RoleService:
		return true
	}
	return false
}

// TenantStatus is the lifecycle status of a tenant. Tenants are never
// hard-deleted; only the status changes.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantCancelled TenantStatus = "cancelled"
)

// Tenant is a business/account boundary, the unit of data partitioning.
type Tenant struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    TenantStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Principal is the resolved identity for one request. It is built
// per-request from a verified credential and discarded at request end;
// it is never persisted as-is.
type Principal struct {
	UserID      string         `json:"user_id"`
	TenantID    string         `json:"tenant_id"`
	Role        Role           `json:"role"`
	Permissions []string       `json:"permissions"` // capability strings, may include wildcard
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// IsService reports whether the principal is a privileged service identity
// that bypasses tenant isolation.
func (p *Principal) IsService() bool { return p.Role == RoleService }

// HasPermission reports whether the principal's permission set covers the
// given capability string, honouring wildcards ("customers:*", "*").
func (p *Principal) HasPermission(capability string) bool {
	return utils.MatchAnyCapability(p.Permissions, capability)
}

// Attr returns a named attribute from the principal's attribute bag.
func (p *Principal) Attr(key string) (any, bool) {
	if p.Attrs == nil {
		return nil, false
	}
	v, ok := p.Attrs[key]
	return v, ok
}

// Action is how a resource is being accessed.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionList   Action = "list"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsWrite reports whether the action mutates state. Write operations are
// always audited.
func (a Action) IsWrite() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Capability returns the capability string for an action on a resource
// type, e.g. "customers:create".
func Capability(resourceType string, action Action) string {
	return resourceType + ":" + string(action)
}
