package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/sentinel"
)

// SQLPolicyStore persists versioned policy sets in SQL (squealx). The
// active version for a resource type is a single pointer row in
// policy_sets; swapping it is one statement, so concurrent readers observe
// either the old version or the new one, never a mix. Replace moves that
// pointer last, so an interrupted install leaves the previous version
// active and a retry heals the partial rows it left behind. Superseded
// versions stay in policies/policy_history and are never deleted.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

// storedRule is the persisted form of a conditional rule. The predicate
// travels as its textual form and is recompiled on load.
type storedRule struct {
	Roles      []sentinel.Role `json:"roles,omitempty"`
	Capability string          `json:"capability,omitempty"`
	When       string          `json:"when,omitempty"`
}

func (s *SQLPolicyStore) ActiveChecksum(ctx context.Context, resourceType string) (string, error) {
	q := `SELECT checksum FROM policy_sets WHERE resource_type = :resource_type`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource_type": resourceType})
	if err != nil {
		return "", err
	}
	defer r.Close()
	if !r.Next() {
		return "", nil
	}
	var sum string
	if err := r.Scan(&sum); err != nil {
		return "", err
	}
	return sum, nil
}

func (s *SQLPolicyStore) Replace(ctx context.Context, set *sentinel.PolicySet) error {
	version, err := s.activeVersion(ctx, set.ResourceType)
	if err != nil {
		return err
	}
	next := version + 1
	now := time.Now()

	// A previous Replace may have died after writing some of version
	// next's rows but before moving the pointer. Those rows were never
	// visible; clear them so the retry starts clean.
	cq := `DELETE FROM policies WHERE resource_type = :resource_type AND version = :version`
	if _, err := s.db.NamedExecContext(ctx, cq, map[string]any{
		"resource_type": set.ResourceType,
		"version":       next,
	}); err != nil {
		return err
	}

	// write the new version's rows first; they are invisible until the
	// pointer below moves
	for _, p := range set.Policies {
		roles, _ := json.Marshal(p.AllowedRoles)
		rules := make([]storedRule, 0, len(p.Conditions))
		for _, rule := range p.Conditions {
			when := rule.When
			if when == "" && rule.Predicate != nil {
				when = rule.Predicate.String()
			}
			rules = append(rules, storedRule{Roles: rule.Roles, Capability: rule.Capability, When: when})
		}
		conditions, _ := json.Marshal(rules)
		q := `INSERT INTO policies(resource_type, version, action, allowed_roles_json, conditions_json, created_at)
		      VALUES(:resource_type, :version, :action, :allowed_roles_json, :conditions_json, :created_at)`
		if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"resource_type":      set.ResourceType,
			"version":            next,
			"action":             string(p.Action),
			"allowed_roles_json": string(roles),
			"conditions_json":    string(conditions),
			"created_at":         now,
		}); err != nil {
			return err
		}
	}

	// History before the pointer: once the pointer moves the install is
	// durable and must not report failure. A retried version overwrites
	// the history row it left behind.
	hq := `INSERT INTO policy_history(resource_type, version, checksum, installed_at)
	       VALUES(:resource_type, :version, :checksum, :installed_at)
	       ON CONFLICT(resource_type, version) DO UPDATE SET
	           checksum = excluded.checksum,
	           installed_at = excluded.installed_at`
	if _, err := s.db.NamedExecContext(ctx, hq, map[string]any{
		"resource_type": set.ResourceType,
		"version":       next,
		"checksum":      set.Checksum(),
		"installed_at":  now,
	}); err != nil {
		return err
	}

	// atomic swap of the active-version pointer, last: a failure on any
	// earlier statement leaves the previous version active
	q := `INSERT INTO policy_sets(resource_type, active_version, checksum, updated_at)
	      VALUES(:resource_type, :active_version, :checksum, :updated_at)
	      ON CONFLICT(resource_type) DO UPDATE SET
	          active_version = excluded.active_version,
	          checksum = excluded.checksum,
	          updated_at = excluded.updated_at`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"resource_type":  set.ResourceType,
		"active_version": next,
		"checksum":       set.Checksum(),
		"updated_at":     now,
	}); err != nil {
		return err
	}

	set.Version = next
	for _, p := range set.Policies {
		p.Version = next
	}
	return nil
}

func (s *SQLPolicyStore) LoadActive(ctx context.Context) (map[string]*sentinel.PolicySet, error) {
	q := `SELECT resource_type, active_version FROM policy_sets`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	versions := make(map[string]int)
	for r.Next() {
		var rt string
		var v int
		if err := r.Scan(&rt, &v); err != nil {
			r.Close()
			return nil, err
		}
		versions[rt] = v
	}
	r.Close()

	out := make(map[string]*sentinel.PolicySet, len(versions))
	for rt, v := range versions {
		set, err := s.loadVersion(ctx, rt, v)
		if err != nil {
			return nil, err
		}
		out[rt] = set
	}
	return out, nil
}

// History returns the installed version checksums for a resource type,
// oldest first.
func (s *SQLPolicyStore) History(ctx context.Context, resourceType string) ([]string, error) {
	q := `SELECT checksum FROM policy_history WHERE resource_type = :resource_type ORDER BY version`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource_type": resourceType})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var sum string
		if err := r.Scan(&sum); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *SQLPolicyStore) activeVersion(ctx context.Context, resourceType string) (int, error) {
	q := `SELECT active_version FROM policy_sets WHERE resource_type = :resource_type`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource_type": resourceType})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if !r.Next() {
		return 0, nil
	}
	var v int
	if err := r.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *SQLPolicyStore) loadVersion(ctx context.Context, resourceType string, version int) (*sentinel.PolicySet, error) {
	q := `SELECT action, allowed_roles_json, conditions_json, created_at FROM policies
	      WHERE resource_type = :resource_type AND version = :version`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"resource_type": resourceType,
		"version":       version,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	set := &sentinel.PolicySet{ResourceType: resourceType, Version: version}
	for r.Next() {
		var action, rolesJSON, conditionsJSON string
		var createdRaw any
		if err := r.Scan(&action, &rolesJSON, &conditionsJSON, &createdRaw); err != nil {
			return nil, err
		}
		p := &sentinel.Policy{
			ResourceType: resourceType,
			Action:       sentinel.Action(action),
			Version:      version,
			CreatedAt:    scanTime(createdRaw),
		}
		if err := json.Unmarshal([]byte(rolesJSON), &p.AllowedRoles); err != nil {
			return nil, err
		}
		var rules []storedRule
		if err := json.Unmarshal([]byte(conditionsJSON), &rules); err != nil {
			return nil, err
		}
		for _, rule := range rules {
			p.Conditions = append(p.Conditions, sentinel.ConditionalRule{
				Roles:      rule.Roles,
				Capability: rule.Capability,
				When:       rule.When,
			})
		}
		set.Policies = append(set.Policies, p)
	}
	return set, nil
}
