package sentinel

import (
	"fmt"
	"strings"
)

// ============================================================================
// PREDICATE COMBINATORS
// ============================================================================

// Predicate is a typed, closed combinator over resource fields. Policies
// store predicate templates (which may reference principal fields via Ref);
// the evaluator binds templates into concrete predicates that can be
// matched against a loaded resource in-process, or rendered into a
// named-parameter SQL fragment for list queries. There is no runtime code
// generation anywhere in this path.
type Predicate interface {
	// Match evaluates the predicate against a loaded resource's fields.
	Match(fields map[string]any) bool
	// SQL renders the predicate as a named-parameter WHERE fragment,
	// registering values in the given bag.
	SQL(params *ParamBag) string
	String() string
}

// Ref marks a value that is resolved from the principal or the caller's
// attribute context at evaluation time, e.g. Ref("principal.user_id") or
// Ref("attr.assigned_ids").
type Ref string

// ParamBag collects named SQL parameters while rendering predicates.
type ParamBag struct {
	n      int
	Values map[string]any
}

func NewParamBag() *ParamBag {
	return &ParamBag{Values: make(map[string]any)}
}

func (b *ParamBag) add(v any) string {
	b.n++
	name := fmt.Sprintf("fp%d", b.n)
	b.Values[name] = v
	return ":" + name
}

// True matches every resource (no restriction).
type True struct{}

func (True) Match(map[string]any) bool { return true }
func (True) SQL(*ParamBag) string      { return "1=1" }
func (True) String() string            { return "true" }

// None matches no resource. It is the filter attached to deny decisions.
type None struct{}

func (None) Match(map[string]any) bool { return false }
func (None) SQL(*ParamBag) string      { return "1=0" }
func (None) String() string            { return "false" }

// TenantEq pins the resource's tenant column to a single tenant. This is
// the load-bearing isolation predicate; every non-service decision carries
// one.
type TenantEq struct {
	TenantID string
}

func (p TenantEq) Match(fields map[string]any) bool {
	return equalValues(fields["tenant_id"], p.TenantID)
}

func (p TenantEq) SQL(b *ParamBag) string {
	return "tenant_id = " + b.add(p.TenantID)
}

func (p TenantEq) String() string {
	return fmt.Sprintf("resource.tenant_id == %q", p.TenantID)
}

// AttrEq compares a resource field against a concrete value or a Ref.
type AttrEq struct {
	Field string
	Value any // concrete value or Ref
}

func (p AttrEq) Match(fields map[string]any) bool {
	return equalValues(fields[p.Field], p.Value)
}

func (p AttrEq) SQL(b *ParamBag) string {
	return p.Field + " = " + b.add(p.Value)
}

func (p AttrEq) String() string {
	if r, ok := p.Value.(Ref); ok {
		return fmt.Sprintf("resource.%s == %s", p.Field, string(r))
	}
	return fmt.Sprintf("resource.%s == %s", p.Field, quoteLiteral(p.Value))
}

// AttrIn checks membership of a resource field in a fixed value set.
type AttrIn struct {
	Field  string
	Values []any
}

func (p AttrIn) Match(fields map[string]any) bool {
	v := fields[p.Field]
	for _, candidate := range p.Values {
		if equalValues(v, candidate) {
			return true
		}
	}
	return false
}

func (p AttrIn) SQL(b *ParamBag) string {
	if len(p.Values) == 0 {
		return "1=0"
	}
	placeholders := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		placeholders = append(placeholders, b.add(v))
	}
	return p.Field + " IN (" + strings.Join(placeholders, ", ") + ")"
}

func (p AttrIn) String() string {
	parts := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		parts = append(parts, quoteLiteral(v))
	}
	return fmt.Sprintf("resource.%s in [%s]", p.Field, strings.Join(parts, ", "))
}

// And requires all sub-predicates to hold.
type And struct {
	Preds []Predicate
}

func (p And) Match(fields map[string]any) bool {
	for _, sub := range p.Preds {
		if !sub.Match(fields) {
			return false
		}
	}
	return true
}

func (p And) SQL(b *ParamBag) string {
	return joinSQL(p.Preds, b, " AND ")
}

func (p And) String() string { return joinString(p.Preds, " and ") }

// Or requires at least one sub-predicate to hold.
type Or struct {
	Preds []Predicate
}

func (p Or) Match(fields map[string]any) bool {
	for _, sub := range p.Preds {
		if sub.Match(fields) {
			return true
		}
	}
	return false
}

func (p Or) SQL(b *ParamBag) string {
	return joinSQL(p.Preds, b, " OR ")
}

func (p Or) String() string { return joinString(p.Preds, " or ") }

func joinSQL(preds []Predicate, b *ParamBag, sep string) string {
	switch len(preds) {
	case 0:
		return "1=1"
	case 1:
		return preds[0].SQL(b)
	}
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		parts = append(parts, p.SQL(b))
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func joinString(preds []Predicate, sep string) string {
	switch len(preds) {
	case 0:
		return "true"
	case 1:
		return preds[0].String()
	}
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		parts = append(parts, p.String())
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// conjoin flattens nested And predicates while composing filters.
func conjoin(preds ...Predicate) Predicate {
	flat := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		switch v := p.(type) {
		case nil:
		case True:
			// identity element
		case And:
			flat = append(flat, v.Preds...)
		default:
			flat = append(flat, p)
		}
	}
	switch len(flat) {
	case 0:
		return True{}
	case 1:
		return flat[0]
	}
	return And{Preds: flat}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func quoteLiteral(v any) string {
	switch vv := v.(type) {
	case string:
		return fmt.Sprintf("%q", vv)
	default:
		return fmt.Sprint(vv)
	}
}

// bindPredicate resolves Ref values in a predicate template against the
// principal and the caller-supplied attribute context. A Ref that cannot
// be resolved fails the bind, which the evaluator treats as deny.
func bindPredicate(p Predicate, principal *Principal, attrs AttributeContext) (Predicate, error) {
	switch v := p.(type) {
	case nil:
		return True{}, nil
	case True, None, TenantEq:
		return p, nil
	case AttrEq:
		val, err := resolveRef(v.Value, principal, attrs)
		if err != nil {
			return nil, err
		}
		// a Ref resolving to a list turns equality into membership
		if list, ok := asList(val); ok {
			return AttrIn{Field: v.Field, Values: list}, nil
		}
		return AttrEq{Field: v.Field, Value: val}, nil
	case AttrIn:
		resolved := make([]any, 0, len(v.Values))
		for _, raw := range v.Values {
			val, err := resolveRef(raw, principal, attrs)
			if err != nil {
				return nil, err
			}
			if list, ok := asList(val); ok {
				resolved = append(resolved, list...)
				continue
			}
			resolved = append(resolved, val)
		}
		return AttrIn{Field: v.Field, Values: resolved}, nil
	case And:
		bound := make([]Predicate, 0, len(v.Preds))
		for _, sub := range v.Preds {
			bp, err := bindPredicate(sub, principal, attrs)
			if err != nil {
				return nil, err
			}
			bound = append(bound, bp)
		}
		return And{Preds: bound}, nil
	case Or:
		bound := make([]Predicate, 0, len(v.Preds))
		for _, sub := range v.Preds {
			bp, err := bindPredicate(sub, principal, attrs)
			if err != nil {
				return nil, err
			}
			bound = append(bound, bp)
		}
		return Or{Preds: bound}, nil
	}
	return nil, fmt.Errorf("unknown predicate type %T", p)
}

func resolveRef(v any, principal *Principal, attrs AttributeContext) (any, error) {
	ref, ok := v.(Ref)
	if !ok {
		return v, nil
	}
	name := string(ref)
	switch {
	case name == "principal.user_id":
		return principal.UserID, nil
	case name == "principal.tenant_id":
		return principal.TenantID, nil
	case name == "principal.role":
		return string(principal.Role), nil
	case strings.HasPrefix(name, "principal.attrs."):
		key := strings.TrimPrefix(name, "principal.attrs.")
		if val, ok := principal.Attr(key); ok {
			return val, nil
		}
		return nil, fmt.Errorf("%w: principal attribute %q", ErrInvalidAttributeContext, key)
	case strings.HasPrefix(name, "attr."):
		key := strings.TrimPrefix(name, "attr.")
		if attrs != nil {
			if val, ok := attrs[key]; ok {
				return val, nil
			}
		}
		return nil, fmt.Errorf("%w: missing attribute %q", ErrInvalidAttributeContext, key)
	}
	return nil, fmt.Errorf("%w: unknown reference %q", ErrInvalidAttributeContext, name)
}

func asList(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case []string:
		out := make([]any, 0, len(vv))
		for _, s := range vv {
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
