package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/sentinel"
)

// SQLTenantStore persists tenants and memberships. Both lookups are single
// indexed reads since they run on every request.
type SQLTenantStore struct {
	db *squealx.DB
}

func NewSQLTenantStore(db *squealx.DB) *SQLTenantStore {
	return &SQLTenantStore{db: db}
}

func (s *SQLTenantStore) PutTenant(ctx context.Context, t *sentinel.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	q := `INSERT INTO tenants(id, name, status, created_at, updated_at)
	      VALUES(:id, :name, :status, :created_at, :updated_at)
	      ON CONFLICT(id) DO UPDATE SET
	          name = excluded.name,
	          status = excluded.status,
	          updated_at = excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         t.ID,
		"name":       t.Name,
		"status":     string(t.Status),
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	})
	return err
}

func (s *SQLTenantStore) GetTenant(ctx context.Context, id string) (*sentinel.Tenant, error) {
	q := `SELECT id, name, status, created_at, updated_at FROM tenants WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("tenant not found: %s", id)
	}
	var tid, name, status string
	var createdRaw, updatedRaw any
	if err := r.Scan(&tid, &name, &status, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	return &sentinel.Tenant{
		ID:        tid,
		Name:      name,
		Status:    sentinel.TenantStatus(status),
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}, nil
}

func (s *SQLTenantStore) PutMembership(ctx context.Context, m *sentinel.Membership) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	perms, _ := json.Marshal(m.Permissions)
	attrs, _ := json.Marshal(m.Attrs)
	q := `INSERT INTO memberships(subject_id, tenant_id, role, permissions_json, attrs_json, created_at)
	      VALUES(:subject_id, :tenant_id, :role, :permissions_json, :attrs_json, :created_at)
	      ON CONFLICT(subject_id, tenant_id) DO UPDATE SET
	          role = excluded.role,
	          permissions_json = excluded.permissions_json,
	          attrs_json = excluded.attrs_json`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"subject_id":       m.SubjectID,
		"tenant_id":        m.TenantID,
		"role":             string(m.Role),
		"permissions_json": string(perms),
		"attrs_json":       string(attrs),
		"created_at":       m.CreatedAt,
	})
	return err
}

func (s *SQLTenantStore) GetMembership(ctx context.Context, subjectID, tenantID string) (*sentinel.Membership, error) {
	q := `SELECT subject_id, tenant_id, role, permissions_json, attrs_json, created_at FROM memberships
	      WHERE subject_id = :subject_id AND tenant_id = :tenant_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"subject_id": subjectID,
		"tenant_id":  tenantID,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("no membership for %s in %s", subjectID, tenantID)
	}
	var sid, tid, role, permsJSON, attrsJSON string
	var createdRaw any
	if err := r.Scan(&sid, &tid, &role, &permsJSON, &attrsJSON, &createdRaw); err != nil {
		return nil, err
	}
	m := &sentinel.Membership{
		SubjectID: sid,
		TenantID:  tid,
		Role:      sentinel.Role(role),
		CreatedAt: scanTime(createdRaw),
	}
	_ = json.Unmarshal([]byte(permsJSON), &m.Permissions)
	_ = json.Unmarshal([]byte(attrsJSON), &m.Attrs)
	return m, nil
}
