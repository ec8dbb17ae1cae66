package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/sentinel"
)

// SQLAuditStore persists audit events in SQL. It is append-only: no code
// path issues UPDATE or DELETE against audit_log. As defense-in-depth,
// Query honours a tenant scope bound in the context: a scoped caller can
// only read its own tenant's trail even if it omits the filter.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) Append(ctx context.Context, ev *sentinel.AuditEvent) error {
	beforeB, _ := json.Marshal(ev.Before)
	afterB, _ := json.Marshal(ev.After)
	q := `INSERT INTO audit_log(id, timestamp, tenant_id, principal_id, role, resource_type, resource_id, action, decision, reason, before_json, after_json, trace_id)
	      VALUES(:id, :timestamp, :tenant_id, :principal_id, :role, :resource_type, :resource_id, :action, :decision, :reason, :before_json, :after_json, :trace_id)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            ev.ID,
		"timestamp":     ev.Timestamp,
		"tenant_id":     ev.TenantID,
		"principal_id":  ev.PrincipalID,
		"role":          string(ev.Role),
		"resource_type": ev.ResourceType,
		"resource_id":   ev.ResourceID,
		"action":        string(ev.Action),
		"decision":      string(ev.Decision),
		"reason":        ev.Reason,
		"before_json":   string(beforeB),
		"after_json":    string(afterB),
		"trace_id":      ev.TraceID,
	})
	return err
}

func (s *SQLAuditStore) Query(ctx context.Context, filter sentinel.AuditFilter) ([]*sentinel.AuditEvent, error) {
	q := `SELECT id, timestamp, tenant_id, principal_id, role, resource_type, resource_id, action, decision, reason, before_json, after_json, trace_id FROM audit_log WHERE 1=1`
	params := map[string]any{}

	// bound tenant scope overrides whatever the caller asked for
	if scope, ok := sentinel.ScopeFromContext(ctx); ok && scope != sentinel.ScopeUnrestricted {
		filter.TenantID = scope
	}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.ResourceType != "" {
		q += " AND resource_type = :resource_type"
		params["resource_type"] = filter.ResourceType
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = string(filter.Action)
	}
	if !filter.Start.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.Start
	}
	if !filter.End.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.End
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	if filter.Offset > 0 {
		q += " OFFSET :offset"
		params["offset"] = filter.Offset
	}

	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*sentinel.AuditEvent, 0)
	for r.Next() {
		var id, tenant, principal, role, resourceType, resourceID, action, decision, reason, beforeJSON, afterJSON, traceID string
		var timestampRaw any
		if err := r.Scan(&id, &timestampRaw, &tenant, &principal, &role, &resourceType, &resourceID, &action, &decision, &reason, &beforeJSON, &afterJSON, &traceID); err != nil {
			return nil, err
		}
		ev := &sentinel.AuditEvent{
			ID:           id,
			Timestamp:    scanTime(timestampRaw),
			TenantID:     tenant,
			PrincipalID:  principal,
			Role:         sentinel.Role(role),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Action:       sentinel.Action(action),
			Decision:     sentinel.DecisionOutcome(decision),
			Reason:       reason,
			TraceID:      traceID,
		}
		_ = json.Unmarshal([]byte(beforeJSON), &ev.Before)
		_ = json.Unmarshal([]byte(afterJSON), &ev.After)
		out = append(out, ev)
	}
	return out, nil
}
