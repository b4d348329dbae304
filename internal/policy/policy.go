// Copyright 2025 James Ross
package policy

// Effect is the outcome a Policy contributes to the deny-overrides sweep.
type Effect int

const (
	EffectPermit Effect = iota
	EffectDeny
)

// Target narrows which requests a Policy is even considered for. Each
// present matcher list must entirely match (AND); a nil/empty list for a
// facet means "no constraint on that facet". A present matcher whose
// attribute is absent from the request yields no-match for the whole
// Target.
type Target struct {
	Subject  []Matcher
	Action   []Matcher
	Resource []Matcher
}

func (t Target) matches(req AccessRequest) bool {
	for _, m := range t.Subject {
		if !m.evaluate(req) {
			return false
		}
	}
	for _, m := range t.Action {
		if !m.evaluate(req) {
			return false
		}
	}
	for _, m := range t.Resource {
		if !m.evaluate(req) {
			return false
		}
	}
	return true
}

// Policy is one rule in the engine's ordered set. Target is optional
// (zero value matches everything); Condition is optional (zero value
// Evaluates true, i.e. an empty And).
type Policy struct {
	ID        string
	Effect    Effect
	Target    Target
	Condition Condition
}

// applicable reports whether every present target matcher matches the
// corresponding request attribute.
func (p Policy) applicable(req AccessRequest) bool {
	return p.Target.matches(req)
}

// satisfied evaluates the policy's optional Condition tree; a zero-value
// Condition (CondAnd with no children) is vacuously true.
func (p Policy) satisfied(req AccessRequest) bool {
	if len(p.Condition.Children) == 0 && p.Condition.Kind == CondAnd {
		return true
	}
	return p.Condition.Evaluate(req)
}

// NewRoleBasedPolicy permits/denies any subject whose roles array
// contains the given role, scoped to an optional resource type.
func NewRoleBasedPolicy(id string, effect Effect, role string, resourceType string) Policy {
	t := Target{
		Subject: []Matcher{{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String(role)}},
	}
	if resourceType != "" {
		t.Resource = []Matcher{{Facet: "Resource", Attribute: "type", Operator: OpEquals, Value: String(resourceType)}}
	}
	return Policy{ID: id, Effect: effect, Target: t}
}

// NewTimeBasedPolicy permits/denies requests whose Environment.hour
// falls within [startHour, endHour). Not installed by default; operators
// that want business-hours gating add it via Engine.Add.
func NewTimeBasedPolicy(id string, effect Effect, startHour, endHour float64) Policy {
	return Policy{
		ID:     id,
		Effect: effect,
		Condition: And(
			Leaf(Matcher{Facet: "Environment", Attribute: "hour", Operator: OpGreaterThan, Value: Number(startHour - 1)}),
			Leaf(Matcher{Facet: "Environment", Attribute: "hour", Operator: OpLessThan, Value: Number(endHour)}),
		),
	}
}

// NewPluginPolicy permits/denies plugin-route access conditioned on the
// subject carrying a named permission attribute. Ported from the
// original's create_plugin_policy; backs the Kernel's default "plugin
// access requires plugin_access permission" policy.
func NewPluginPolicy(id string, effect Effect, permission string) Policy {
	return Policy{
		ID:     id,
		Effect: effect,
		Target: Target{
			Resource: []Matcher{{Facet: "Resource", Attribute: "type", Operator: OpEquals, Value: String("plugin")}},
		},
		Condition: Leaf(Matcher{Facet: "Subject", Attribute: "permissions", Operator: OpContains, Value: String(permission)}),
	}
}
