package sentinel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/sentinel/logger"
)

// ============================================================================
// ACCESS EVALUATOR
// ============================================================================

// AttributeContext carries caller-supplied attributes referenced by
// conditional predicates (e.g. "assigned_ids").
type AttributeContext map[string]any

// Decision is the outcome of an authorization check. Filter is the
// predicate the caller must apply to any read/write against the resource
// type: list queries attach it to the underlying query, single-resource
// operations evaluate it against the loaded row via CheckResource.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	MatchedBy string    `json:"matched_by"` // role, capability, condition
	Filter    Predicate `json:"-"`
	Trace     []string  `json:"trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckResource applies the decision's filter to a concrete loaded
// resource. A failing resource reports ErrNotFound (never Forbidden) so
// cross-tenant existence is not leaked.
func (d *Decision) CheckResource(fields map[string]any) error {
	if !d.Allowed {
		return errResourceFiltered
	}
	if d.Filter == nil || d.Filter.Match(fields) {
		return nil
	}
	return errResourceFiltered
}

// AuthRequest is one entry of a batch authorization.
type AuthRequest struct {
	Principal    *Principal
	ResourceType string
	Action       Action
	Attrs        AttributeContext
}

type decisionKey struct {
	tenantID     string
	userID       string
	role         Role
	resourceType string
	action       Action
}

func (k decisionKey) String() string {
	return k.tenantID + "\x00" + k.userID + "\x00" + string(k.role) + "\x00" + k.resourceType + "\x00" + string(k.action)
}

// Evaluator produces allow/deny decisions plus data-filtering predicates.
// It is read-only against the registry and safe for concurrent use.
type Evaluator struct {
	registry *Registry
	cache    *ristretto.Cache
	cacheTTL time.Duration
	logger   logger.Logger
	now      func() time.Time
}

type EvaluatorOption func(*Evaluator) error

func WithEvaluatorLogger(l logger.Logger) EvaluatorOption {
	return func(e *Evaluator) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

// WithDecisionCache configures the ristretto decision cache. Pass zero
// values to use the defaults (1e5 counters, 1e6 max cost).
func WithDecisionCache(numCounters, maxCost, bufferItems int64, ttl time.Duration) EvaluatorOption {
	return func(e *Evaluator) error {
		if numCounters <= 0 {
			numCounters = 1e5
		}
		if maxCost <= 0 {
			maxCost = 1 << 20
		}
		if bufferItems <= 0 {
			bufferItems = 64
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: numCounters,
			MaxCost:     maxCost,
			BufferItems: bufferItems,
		})
		if err != nil {
			return fmt.Errorf("decision cache: %w", err)
		}
		e.cache = cache
		if ttl > 0 {
			e.cacheTTL = ttl
		}
		return nil
	}
}

func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

func NewEvaluator(registry *Registry, opts ...EvaluatorOption) (*Evaluator, error) {
	e := &Evaluator{
		registry: registry,
		cacheTTL: time.Second,
		logger:   logger.NewPhusluLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Authorize decides whether the principal may perform action on the
// resource type and composes the filter predicate for it.
//
// Evaluation order (cheapest and most load-bearing first):
//  1. policy lookup: missing policy fails closed, logged as a
//     configuration defect
//  2. tenant scope: non-service principals are pinned to their tenant
//  3. role or capability: role in the allowed set, or a matching
//     capability string (wildcards allowed)
//  4. conditional rules: OR'd across the rules matching the role
func (e *Evaluator) Authorize(ctx context.Context, principal *Principal, resourceType string, action Action, attrs AttributeContext) (*Decision, error) {
	return e.authorize(ctx, principal, resourceType, action, attrs, false)
}

// Explain is Authorize with a human-readable trace of each step. It skips
// the decision cache.
func (e *Evaluator) Explain(ctx context.Context, principal *Principal, resourceType string, action Action, attrs AttributeContext) (*Decision, error) {
	return e.authorize(ctx, principal, resourceType, action, attrs, true)
}

// AuthorizeBatch evaluates several requests; order of results matches the
// order of requests.
func (e *Evaluator) AuthorizeBatch(ctx context.Context, requests []AuthRequest) ([]*Decision, error) {
	decisions := make([]*Decision, len(requests))
	for i, req := range requests {
		dec, err := e.Authorize(ctx, req.Principal, req.ResourceType, req.Action, req.Attrs)
		if err != nil {
			return nil, err
		}
		decisions[i] = dec
	}
	return decisions, nil
}

func (e *Evaluator) authorize(_ context.Context, principal *Principal, resourceType string, action Action, attrs AttributeContext, includeTrace bool) (*Decision, error) {
	decision := &Decision{Filter: None{}, Timestamp: e.now()}
	if principal == nil {
		decision.Reason = "no principal"
		return decision, nil
	}

	// Decision cache: only keyed inputs participate, so skip it when the
	// caller supplied a free-form attribute context.
	key := decisionKey{
		tenantID:     principal.TenantID,
		userID:       principal.UserID,
		role:         principal.Role,
		resourceType: resourceType,
		action:       action,
	}
	cacheable := len(attrs) == 0 && !includeTrace
	if cacheable && e.cache != nil {
		if v, ok := e.cache.Get(key.String()); ok {
			if cached, ok := v.(*Decision); ok {
				return cached, nil
			}
		}
	}

	policy, err := e.registry.Get(resourceType, action)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			// fail closed, escalate via logging, never surface the cause
			e.logger.Error("no policy registered, denying",
				"resource_type", resourceType, "action", string(action), "tenant", principal.TenantID)
			decision.Reason = "no policy"
			e.trace(decision, includeTrace, "DENY: no policy for %s/%s", resourceType, action)
			e.cacheDecision(key, decision, cacheable)
			return decision, nil
		}
		return nil, err
	}
	e.trace(decision, includeTrace, "policy %s/%s v%d loaded", resourceType, action, policy.Version)

	// Tenant scope. Never skipped for non-service roles, even when the
	// role check below would pass.
	var tenantScope Predicate = True{}
	if !principal.IsService() {
		if principal.TenantID == "" {
			decision.Reason = "no tenant"
			e.trace(decision, includeTrace, "DENY: principal has no tenant")
			e.cacheDecision(key, decision, cacheable)
			return decision, nil
		}
		tenantScope = TenantEq{TenantID: principal.TenantID}
		e.trace(decision, includeTrace, "tenant scope pinned to %s", principal.TenantID)
	} else {
		e.trace(decision, includeTrace, "service principal: tenant scope lifted")
	}

	// Role or capability.
	matched := ""
	if policy.RoleAllowed(principal.Role) {
		matched = "role:" + string(principal.Role)
	} else if capability := Capability(resourceType, action); principal.HasPermission(capability) {
		matched = "capability:" + capability
	}
	if matched == "" {
		decision.Reason = "role not allowed"
		e.trace(decision, includeTrace, "DENY: role %s not in allowed set and no matching capability", principal.Role)
		e.cacheDecision(key, decision, cacheable)
		return decision, nil
	}
	e.trace(decision, includeTrace, "ALLOW candidate via %s", matched)

	// Conditional rules for this role, OR'd together. A rule's capability
	// lifts its restriction entirely.
	conditional, condReason, err := e.conditionalPredicate(policy, principal, attrs)
	if err != nil {
		decision.Reason = condReason
		e.trace(decision, includeTrace, "DENY: %s", condReason)
		// attribute-context failures depend on caller input: not cacheable
		return decision, nil
	}
	if _, unrestricted := conditional.(True); !unrestricted {
		e.trace(decision, includeTrace, "conditional filter: %s", conditional.String())
	}

	decision.Allowed = true
	decision.Reason = "allowed"
	decision.MatchedBy = matched
	decision.Filter = conjoin(tenantScope, conditional)
	e.trace(decision, includeTrace, "ALLOW filter=%s", decision.Filter.String())
	e.cacheDecision(key, decision, cacheable)
	return decision, nil
}

// conditionalPredicate builds the OR of all rules applying to the
// principal's role. No applicable rules means no conditional restriction.
func (e *Evaluator) conditionalPredicate(policy *Policy, principal *Principal, attrs AttributeContext) (Predicate, string, error) {
	var bound []Predicate
	applied := 0
	for i := range policy.Conditions {
		rule := &policy.Conditions[i]
		if !rule.AppliesTo(principal.Role) {
			continue
		}
		applied++
		if rule.Capability != "" && principal.HasPermission(rule.Capability) {
			// override capability lifts this rule's restriction
			return True{}, "", nil
		}
		pred := rule.Predicate
		if pred == nil {
			pred = True{}
		}
		bp, err := bindPredicate(pred, principal, attrs)
		if err != nil {
			if errors.Is(err, ErrInvalidAttributeContext) {
				// a rule we cannot bind contributes nothing; record and
				// continue, other rules may still grant access
				continue
			}
			return nil, "predicate bind failed", err
		}
		bound = append(bound, bp)
	}
	if applied == 0 {
		return True{}, "", nil
	}
	if len(bound) == 0 {
		return nil, "invalid attribute context", ErrInvalidAttributeContext
	}
	if len(bound) == 1 {
		return bound[0], "", nil
	}
	return Or{Preds: bound}, "", nil
}

func (e *Evaluator) trace(d *Decision, enabled bool, format string, args ...any) {
	if !enabled {
		return
	}
	d.Trace = append(d.Trace, fmt.Sprintf(format, args...))
}

func (e *Evaluator) cacheDecision(key decisionKey, d *Decision, cacheable bool) {
	if !cacheable || e.cache == nil {
		return
	}
	e.cache.SetWithTTL(key.String(), d, 1, e.cacheTTL)
}

// InvalidateDecisionCache drops every cached decision so no stale allow
// survives a policy change. The installer's WithCacheInvalidation option
// calls it after each swap.
func (e *Evaluator) InvalidateDecisionCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// Close releases cache resources.
func (e *Evaluator) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}
