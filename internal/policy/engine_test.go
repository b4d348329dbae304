// Copyright 2025 James Ross
package policy

import (
	"testing"
	"time"
)

func reqWithRoles(roles []string, resourceType string) AccessRequest {
	rs := make([]AttributeValue, len(roles))
	for i, r := range roles {
		rs[i] = String(r)
	}
	return AccessRequest{
		Subject:     Subject{ID: "u1", Attributes: AttributeMap{"roles": Array(rs...)}},
		Action:      Action{Name: "read"},
		Resource:    Resource{Type: resourceType, ID: "p1"},
		Environment: Environment{Timestamp: time.Now()},
	}
}

func TestEvaluateDenyOverrides(t *testing.T) {
	e := NewEngine(nil)
	mustAdd(t, e, Policy{
		ID:     "p1",
		Effect: EffectPermit,
		Condition: Leaf(Matcher{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("admin")}),
	})
	mustAdd(t, e, Policy{
		ID:     "p2",
		Effect: EffectDeny,
		Target: Target{Resource: []Matcher{{Facet: "Resource", Attribute: "type", Operator: OpEquals, Value: String("plugin")}}},
		Condition: Leaf(Matcher{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("banned")}),
	})

	if d := e.Evaluate(reqWithRoles([]string{"admin", "banned"}, "plugin")); d != Deny {
		t.Fatalf("expected Deny, got %s", d)
	}
	if d := e.Evaluate(reqWithRoles([]string{"admin"}, "plugin")); d != Permit {
		t.Fatalf("expected Permit, got %s", d)
	}
	if d := e.Evaluate(reqWithRoles([]string{"user"}, "plugin")); d != NotApplicable {
		t.Fatalf("expected NotApplicable, got %s", d)
	}
}

func TestEvaluateOrderIndependent(t *testing.T) {
	forward := NewEngine(nil)
	mustAdd(t, forward, Policy{ID: "permit", Effect: EffectPermit, Condition: Leaf(Matcher{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("admin")})})
	mustAdd(t, forward, Policy{ID: "deny", Effect: EffectDeny, Condition: Leaf(Matcher{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("admin")})})

	reverse := NewEngine(nil)
	mustAdd(t, reverse, Policy{ID: "deny", Effect: EffectDeny, Condition: Leaf(Matcher{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("admin")})})
	mustAdd(t, reverse, Policy{ID: "permit", Effect: EffectPermit, Condition: Leaf(Matcher{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("admin")})})

	req := reqWithRoles([]string{"admin"}, "problem")
	if forward.Evaluate(req) != reverse.Evaluate(req) {
		t.Fatal("insertion order changed the decision")
	}
	if forward.Evaluate(req) != Deny {
		t.Fatalf("expected Deny, got %s", forward.Evaluate(req))
	}
}

func TestMissingAttributeIsNoMatch(t *testing.T) {
	e := NewEngine(nil)
	mustAdd(t, e, Policy{
		ID:     "needs-tenant",
		Effect: EffectPermit,
		Target: Target{Subject: []Matcher{{Facet: "Subject", Attribute: "tenant", Operator: OpEquals, Value: String("acme")}}},
	})
	req := AccessRequest{Subject: Subject{ID: "u1", Attributes: AttributeMap{}}, Action: Action{Name: "read"}, Resource: Resource{Type: "problem"}}
	if d := e.Evaluate(req); d != NotApplicable {
		t.Fatalf("expected NotApplicable for missing attribute, got %s", d)
	}
}

func TestDefaultPolicies(t *testing.T) {
	e := NewEngine(nil)
	e.InstallDefaultPolicies()

	admin := reqWithRoles([]string{"admin"}, "anything")
	if d := e.Evaluate(admin); d != Permit {
		t.Fatalf("admin should always permit, got %s", d)
	}

	contestant := reqWithRoles([]string{"contestant"}, "problem")
	if d := e.Evaluate(contestant); d != Permit {
		t.Fatalf("contestant read on problem should permit, got %s", d)
	}

	req := AccessRequest{
		Subject:  Subject{ID: "p", Attributes: AttributeMap{"permissions": Array(String("plugin_access"))}},
		Action:   Action{Name: "handle"},
		Resource: Resource{Type: "plugin", ID: "greeter"},
	}
	if d := e.Evaluate(req); d != Permit {
		t.Fatalf("plugin_access permission should permit plugin route, got %s", d)
	}
}

func TestEngineAddRemove(t *testing.T) {
	e := NewEngine(nil)
	mustAdd(t, e, Policy{ID: "x", Effect: EffectPermit})
	if err := e.Add(Policy{ID: "x", Effect: EffectPermit}); err != ErrPolicyExists {
		t.Fatalf("expected ErrPolicyExists, got %v", err)
	}
	if err := e.Remove("x"); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove("x"); err != ErrPolicyNotFound {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}
}

func TestAuditTrailRecordsDecisions(t *testing.T) {
	e := NewEngine(nil)
	e.InstallDefaultPolicies()
	e.Evaluate(reqWithRoles([]string{"admin"}, "anything"))
	trail := e.AuditTrail()
	if len(trail) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	if trail[len(trail)-1].Decision != Permit {
		t.Fatalf("expected last entry Permit, got %s", trail[len(trail)-1].Decision)
	}
}

func mustAdd(t *testing.T, e *Engine, p Policy) {
	t.Helper()
	if err := e.Add(p); err != nil {
		t.Fatal(err)
	}
}
