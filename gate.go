package sentinel

import (
	"context"
	"errors"

	"github.com/oarkflow/sentinel/logger"
)

// ============================================================================
// GATE
// ============================================================================

// Request describes one protected operation entering the gate.
type Request struct {
	Credential   Credential
	ResourceType string
	Action       Action
	// ResourceID selects a single resource for read/update/delete; empty
	// for create and list operations. Denials on a selected resource are
	// downgraded to ErrNotFound.
	ResourceID string
	// Attrs carries attributes referenced by conditional predicates.
	Attrs AttributeContext
}

// Op is handed to the business function. It exposes the decision's filter
// and collects before/after snapshots for the audit trail.
type Op struct {
	Principal *Principal
	Decision  *Decision
	before    map[string]any
	after     map[string]any
}

// Filter is the predicate to attach to any query the business function
// issues against the resource type.
func (o *Op) Filter() Predicate { return o.Decision.Filter }

// CheckResource verifies a loaded resource against the decision's filter.
// A mismatch reports ErrNotFound so existence of other tenants' data is
// never leaked. Call it after loading and before acting.
func (o *Op) CheckResource(fields map[string]any) error {
	return o.Decision.CheckResource(fields)
}

// SetBefore records the pre-mutation snapshot for the audit trail.
func (o *Op) SetBefore(fields map[string]any) { o.before = fields }

// SetAfter records the post-mutation snapshot for the audit trail.
func (o *Op) SetAfter(fields map[string]any) { o.after = fields }

// BusinessFunc is the calling code's operation, executed inside the bound
// tenant scope.
type BusinessFunc func(ctx context.Context, op *Op) (any, error)

// Gate is the single entry point for protected operations. Business-logic
// collaborators call Do and never touch the evaluator or the binder
// directly. Per operation the sequence is strict: identity resolution,
// authorization, tenant scoping, business logic, audit — with audit
// completing off the critical path.
type Gate struct {
	identity  *IdentityResolver
	evaluator *Evaluator
	binder    *Binder
	recorder  *Recorder
	logger    logger.Logger
}

type GateOption func(*Gate)

func WithGateLogger(l logger.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func NewGate(identity *IdentityResolver, evaluator *Evaluator, binder *Binder, recorder *Recorder, opts ...GateOption) *Gate {
	g := &Gate{
		identity:  identity,
		evaluator: evaluator,
		binder:    binder,
		recorder:  recorder,
		logger:    logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do executes one protected operation. Exactly one audit event is produced
// per attempt for writes, denials and cancellations; successful reads are
// audited only for resource types opted in on the recorder.
func (g *Gate) Do(ctx context.Context, req Request, fn BusinessFunc) (any, error) {
	principal, err := g.identity.Resolve(ctx, req.Credential)
	if err != nil {
		// no principal, no tenant: nothing attributable to audit
		return nil, err
	}

	decision, err := g.evaluator.Authorize(ctx, principal, req.ResourceType, req.Action, req.Attrs)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		g.audit(principal, req, OutcomeDenied, decision.Reason, nil, nil)
		return nil, g.denialError(req)
	}

	op := &Op{Principal: principal, Decision: decision}
	var result any
	runErr := g.binder.WithTenantScope(ctx, principal, func(scoped context.Context) error {
		var ferr error
		result, ferr = fn(scoped, op)
		return ferr
	})

	switch {
	case runErr != nil && errors.Is(runErr, errResourceFiltered):
		// the loaded resource failed the filter: deny, present NotFound
		g.audit(principal, req, OutcomeDenied, "resource filtered", nil, nil)
		return nil, ErrNotFound
	case runErr != nil && ctx.Err() != nil:
		// best-effort record of the cancelled attempt
		g.audit(principal, req, OutcomeCancelled, ctx.Err().Error(), op.before, op.after)
		return nil, runErr
	case runErr != nil:
		if g.shouldAudit(principal, req) {
			g.audit(principal, req, OutcomeAllowed, "failed: "+runErr.Error(), op.before, op.after)
		}
		return nil, runErr
	}

	if g.shouldAudit(principal, req) {
		g.audit(principal, req, OutcomeAllowed, decision.Reason, op.before, op.after)
	}
	return result, nil
}

// shouldAudit adds one rule on top of the recorder's policy: service
// principals run with the unrestricted scope, so their operations are
// always audited.
func (g *Gate) shouldAudit(p *Principal, req Request) bool {
	if p.IsService() {
		return true
	}
	return g.recorder.ShouldAudit(req.ResourceType, req.Action, OutcomeAllowed)
}

// Audit exposes the recorder's read-only query interface.
func (g *Gate) Audit(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	return g.recorder.Query(ctx, filter)
}

// Explain runs identity resolution and an explained authorization without
// executing anything or touching the decision cache. Operational tooling
// only.
func (g *Gate) Explain(ctx context.Context, req Request) (*Decision, error) {
	principal, err := g.identity.Resolve(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	return g.evaluator.Explain(ctx, principal, req.ResourceType, req.Action, req.Attrs)
}

func (g *Gate) denialError(req Request) error {
	// all denial paths return the same shape; single-resource lookups are
	// downgraded so existence is not revealed through the error kind
	if req.ResourceID != "" {
		return ErrNotFound
	}
	return ErrForbidden
}

func (g *Gate) audit(p *Principal, req Request, outcome DecisionOutcome, reason string, before, after map[string]any) {
	g.recorder.Record(AuditEvent{
		TenantID:     p.TenantID,
		PrincipalID:  p.UserID,
		Role:         p.Role,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Decision:     outcome,
		Reason:       reason,
		Before:       before,
		After:        after,
	})
}
