package sentinel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// ============================================================================
// POLICY SYSTEM
// ============================================================================

// Policy is the declarative rule for one (resourceType, action) pair.
// Policies are mutated only by the Installer and are read-only to the
// evaluator at request time. The tenant-scope predicate is implicit: every
// non-service decision is tenant-pinned regardless of what the policy says.
type Policy struct {
	ResourceType string            `json:"resource_type" yaml:"resource_type"`
	Action       Action            `json:"action" yaml:"action"`
	AllowedRoles []Role            `json:"allowed_roles" yaml:"allowed_roles"`
	Conditions   []ConditionalRule `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Version      int               `json:"version" yaml:"-"`
	CreatedAt    time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time         `json:"updated_at" yaml:"-"`
}

// ConditionalRule narrows an allowed role with an attribute predicate,
// e.g. staff may read only work orders assigned to them. A capability in
// the principal's permission set lifts the restriction ("read_all"-style
// overrides). Rules for the same role are OR'd together.
type ConditionalRule struct {
	Roles      []Role    `json:"roles,omitempty" yaml:"roles,omitempty"` // empty = all allowed roles
	Capability string    `json:"capability,omitempty" yaml:"capability,omitempty"`
	Predicate  Predicate `json:"-" yaml:"-"`
	// When is the textual form of Predicate, used for persistence and
	// declarative config. ParseCondition turns it back into Predicate.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// AppliesTo reports whether the rule restricts the given role.
func (r *ConditionalRule) AppliesTo(role Role) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, candidate := range r.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// RoleAllowed reports whether the role appears in the policy's allowed set.
func (p *Policy) RoleAllowed(role Role) bool {
	for _, r := range p.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Compile materialises rule predicates from their textual form. It is
// called once at install/load time, never on the request path.
func (p *Policy) Compile() error {
	for i := range p.Conditions {
		rule := &p.Conditions[i]
		if rule.Predicate != nil {
			if rule.When == "" {
				rule.When = rule.Predicate.String()
			}
			continue
		}
		if rule.When == "" {
			rule.Predicate = True{}
			continue
		}
		pred, err := ParseCondition(rule.When)
		if err != nil {
			return err
		}
		rule.Predicate = pred
	}
	return nil
}

// PolicySet is the full versioned rule set for one resource type. Sets are
// swapped atomically: a reader observes either the previous set or the new
// one, never a mix.
type PolicySet struct {
	ResourceType string    `json:"resource_type" yaml:"resource_type"`
	Policies     []*Policy `json:"policies" yaml:"policies"`
	Version      int       `json:"version" yaml:"-"`
}

// Get returns the policy for an action within the set, or nil.
func (s *PolicySet) Get(action Action) *Policy {
	for _, p := range s.Policies {
		if p.Action == action {
			return p
		}
	}
	return nil
}

// Compile compiles every policy's conditional rules.
func (s *PolicySet) Compile() error {
	for _, p := range s.Policies {
		if p.ResourceType == "" {
			p.ResourceType = s.ResourceType
		}
		if err := p.Compile(); err != nil {
			return err
		}
	}
	return nil
}

// Checksum returns a deterministic hash of the set's semantic content.
// Installer idempotency is keyed on this: identical content, identical
// checksum, no swap.
func (s *PolicySet) Checksum() string {
	type ruleRepr struct {
		Roles      []Role `json:"roles,omitempty"`
		Capability string `json:"capability,omitempty"`
		When       string `json:"when,omitempty"`
	}
	type policyRepr struct {
		Action       Action     `json:"action"`
		AllowedRoles []Role     `json:"allowed_roles"`
		Conditions   []ruleRepr `json:"conditions,omitempty"`
	}
	reprs := make([]policyRepr, 0, len(s.Policies))
	for _, p := range s.Policies {
		roles := append([]Role(nil), p.AllowedRoles...)
		sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
		pr := policyRepr{Action: p.Action, AllowedRoles: roles}
		for _, rule := range p.Conditions {
			when := rule.When
			if when == "" && rule.Predicate != nil {
				when = rule.Predicate.String()
			}
			rr := ruleRepr{Capability: rule.Capability, When: when}
			rr.Roles = append(rr.Roles, rule.Roles...)
			sort.Slice(rr.Roles, func(i, j int) bool { return rr.Roles[i] < rr.Roles[j] })
			pr.Conditions = append(pr.Conditions, rr)
		}
		reprs = append(reprs, pr)
	}
	sort.Slice(reprs, func(i, j int) bool { return reprs[i].Action < reprs[j].Action })
	data, _ := json.Marshal(struct {
		ResourceType string       `json:"resource_type"`
		Policies     []policyRepr `json:"policies"`
	}{ResourceType: s.ResourceType, Policies: reprs})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Validate checks the set's structural integrity before installation.
func (s *PolicySet) Validate() error {
	if s.ResourceType == "" {
		return installErr("", "policy set missing resource type")
	}
	if len(s.Policies) == 0 {
		return installErr(s.ResourceType, "policy set is empty")
	}
	seen := make(map[Action]bool, len(s.Policies))
	for _, p := range s.Policies {
		if p.Action == "" {
			return installErr(s.ResourceType, "policy missing action")
		}
		if seen[p.Action] {
			return installErr(s.ResourceType, "duplicate policy for action %q", p.Action)
		}
		seen[p.Action] = true
		if len(p.AllowedRoles) == 0 {
			return installErr(s.ResourceType, "policy for action %q allows no roles", p.Action)
		}
		for _, r := range p.AllowedRoles {
			if !r.Valid() {
				return installErr(s.ResourceType, "policy for action %q names unknown role %q", p.Action, r)
			}
		}
		for _, rule := range p.Conditions {
			for _, r := range rule.Roles {
				if !r.Valid() {
					return installErr(s.ResourceType, "condition on action %q names unknown role %q", p.Action, r)
				}
			}
			if rule.When != "" {
				if _, err := ParseCondition(rule.When); err != nil {
					return installErr(s.ResourceType, "condition on action %q: %v", p.Action, err)
				}
			}
		}
	}
	return nil
}
