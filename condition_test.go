package sentinel

import (
	"errors"
	"testing"
)

func TestParseConditionRoundTrip(t *testing.T) {
	cases := []string{
		`true`,
		`false`,
		`resource.assigned_to == principal.user_id`,
		`resource.tenant_id == "t1"`,
		`resource.status == "open"`,
		`resource.status in ["open", "pending"]`,
		`resource.id in attr.assigned_ids`,
		`(resource.status == "open" and resource.assigned_to == principal.user_id)`,
		`(resource.status == "closed" or resource.owner_id == principal.user_id)`,
	}
	for _, src := range cases {
		pred, err := ParseCondition(src)
		if err != nil {
			t.Fatalf("parse %q: %v", src, err)
		}
		rendered := pred.String()
		again, err := ParseCondition(rendered)
		if err != nil {
			t.Fatalf("reparse %q (from %q): %v", rendered, src, err)
		}
		if again.String() != rendered {
			t.Fatalf("round trip not stable: %q -> %q -> %q", src, rendered, again.String())
		}
	}
}

func TestParseConditionTenantEq(t *testing.T) {
	pred, err := ParseCondition(`resource.tenant_id == "t1"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	te, ok := pred.(TenantEq)
	if !ok {
		t.Fatalf("expected TenantEq, got %T", pred)
	}
	if te.TenantID != "t1" {
		t.Fatalf("expected tenant t1, got %s", te.TenantID)
	}
}

func TestParseConditionErrors(t *testing.T) {
	bad := []string{
		`resource.status == "open`,
		`resource.status`,
		`status == "open"`,
		`resource.status == "a" garbage`,
		`(resource.status == "a"`,
	}
	for _, src := range bad {
		if _, err := ParseCondition(src); err == nil {
			t.Fatalf("expected parse error for %q", src)
		}
	}
}

func TestPredicateMatch(t *testing.T) {
	pred, err := ParseCondition(`resource.status in ["open", "pending"] and resource.assigned_to == "u1"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !pred.Match(map[string]any{"status": "open", "assigned_to": "u1"}) {
		t.Fatalf("expected match")
	}
	if pred.Match(map[string]any{"status": "closed", "assigned_to": "u1"}) {
		t.Fatalf("expected mismatch on status")
	}
	if pred.Match(map[string]any{"status": "open", "assigned_to": "u2"}) {
		t.Fatalf("expected mismatch on assignment")
	}
}

func TestPredicateSQLRendering(t *testing.T) {
	filter := conjoin(
		TenantEq{TenantID: "t1"},
		AttrIn{Field: "status", Values: []any{"open", "pending"}},
	)
	bag := NewParamBag()
	sql := filter.SQL(bag)
	want := "(tenant_id = :fp1 AND status IN (:fp2, :fp3))"
	if sql != want {
		t.Fatalf("expected %q, got %q", want, sql)
	}
	if bag.Values["fp1"] != "t1" || bag.Values["fp2"] != "open" || bag.Values["fp3"] != "pending" {
		t.Fatalf("unexpected param values: %v", bag.Values)
	}
}

func TestBindPredicateResolvesRefs(t *testing.T) {
	principal := &Principal{UserID: "u1", TenantID: "t1", Role: RoleStaff}
	pred := AttrEq{Field: "assigned_to", Value: Ref("principal.user_id")}
	bound, err := bindPredicate(pred, principal, nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !bound.Match(map[string]any{"assigned_to": "u1"}) {
		t.Fatalf("expected bound predicate to match own resource")
	}
	if bound.Match(map[string]any{"assigned_to": "u2"}) {
		t.Fatalf("expected bound predicate to reject foreign resource")
	}
}

func TestBindPredicateExpandsAttrList(t *testing.T) {
	principal := &Principal{UserID: "u1", TenantID: "t1", Role: RoleStaff}
	pred := AttrEq{Field: "id", Value: Ref("attr.assigned_ids")}
	bound, err := bindPredicate(pred, principal, AttributeContext{"assigned_ids": []string{"a", "b"}})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	in, ok := bound.(AttrIn)
	if !ok {
		t.Fatalf("expected list ref to bind as AttrIn, got %T", bound)
	}
	if len(in.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(in.Values))
	}
	if !bound.Match(map[string]any{"id": "b"}) {
		t.Fatalf("expected membership match")
	}
}

func TestBindPredicateMissingAttrFailsClosed(t *testing.T) {
	principal := &Principal{UserID: "u1", TenantID: "t1", Role: RoleStaff}
	pred := AttrEq{Field: "id", Value: Ref("attr.assigned_ids")}
	if _, err := bindPredicate(pred, principal, nil); !errors.Is(err, ErrInvalidAttributeContext) {
		t.Fatalf("expected ErrInvalidAttributeContext, got %v", err)
	}
}

func TestConjoinFlattens(t *testing.T) {
	p := conjoin(True{}, And{Preds: []Predicate{TenantEq{TenantID: "t1"}, AttrEq{Field: "a", Value: "b"}}})
	and, ok := p.(And)
	if !ok {
		t.Fatalf("expected And, got %T", p)
	}
	if len(and.Preds) != 2 {
		t.Fatalf("expected flattened 2 preds, got %d", len(and.Preds))
	}
	if _, ok := conjoin(True{}, True{}).(True); !ok {
		t.Fatalf("expected identity collapse to True")
	}
	if _, ok := conjoin(TenantEq{TenantID: "t1"}).(TenantEq); !ok {
		t.Fatalf("expected single predicate passthrough")
	}
}
