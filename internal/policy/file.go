// Copyright 2025 James Ross
package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// MarshalJSON writes the value as plain JSON: strings, numbers, booleans
// and arrays map to their JSON counterparts.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindString:
		return json.Marshal(v.str)
	case kindNumber:
		return json.Marshal(v.num)
	case kindBool:
		return json.Marshal(v.boolv)
	case kindArray:
		return json.Marshal(v.arr)
	}
	return nil, fmt.Errorf("policy: unknown attribute kind %d", v.kind)
}

// UnmarshalJSON accepts the four supported JSON shapes. Objects and
// nulls are rejected at the boundary rather than silently coerced.
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	av, err := attributeFromJSON(raw)
	if err != nil {
		return err
	}
	*v = av
	return nil
}

func attributeFromJSON(raw interface{}) (AttributeValue, error) {
	switch x := raw.(type) {
	case string:
		return String(x), nil
	case float64:
		return Number(x), nil
	case bool:
		return Bool(x), nil
	case []interface{}:
		vs := make([]AttributeValue, len(x))
		for i, e := range x {
			av, err := attributeFromJSON(e)
			if err != nil {
				return AttributeValue{}, err
			}
			vs[i] = av
		}
		return Array(vs...), nil
	}
	return AttributeValue{}, fmt.Errorf("policy: unsupported attribute type %T", raw)
}

// matcherJSON is the on-file shape of a Matcher.
type matcherJSON struct {
	Facet     string         `json:"facet"`
	Attribute string         `json:"attribute"`
	Operator  Operator       `json:"operator"`
	Value     AttributeValue `json:"value"`
}

func (m matcherJSON) toMatcher() Matcher {
	return Matcher{Facet: m.Facet, Attribute: m.Attribute, Operator: m.Operator, Value: m.Value}
}

// conditionJSON is the on-file shape of a Condition tree: exactly one of
// the fields is set per node.
type conditionJSON struct {
	And  []conditionJSON `json:"and,omitempty"`
	Or   []conditionJSON `json:"or,omitempty"`
	Not  *conditionJSON  `json:"not,omitempty"`
	Leaf *matcherJSON    `json:"compare,omitempty"`
}

func (c conditionJSON) toCondition() (Condition, error) {
	set := 0
	if c.And != nil {
		set++
	}
	if c.Or != nil {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.Leaf != nil {
		set++
	}
	if set != 1 {
		return Condition{}, fmt.Errorf("policy: condition node must set exactly one of and/or/not/compare")
	}
	switch {
	case c.And != nil:
		children, err := toConditions(c.And)
		if err != nil {
			return Condition{}, err
		}
		return And(children...), nil
	case c.Or != nil:
		children, err := toConditions(c.Or)
		if err != nil {
			return Condition{}, err
		}
		return Or(children...), nil
	case c.Not != nil:
		child, err := c.Not.toCondition()
		if err != nil {
			return Condition{}, err
		}
		return Not(child), nil
	default:
		return Leaf(c.Leaf.toMatcher()), nil
	}
}

func toConditions(nodes []conditionJSON) ([]Condition, error) {
	out := make([]Condition, len(nodes))
	for i, n := range nodes {
		c, err := n.toCondition()
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// policyJSON is one entry of a policies file.
type policyJSON struct {
	ID     string `json:"id"`
	Effect string `json:"effect"`
	Target struct {
		Subject  []matcherJSON `json:"subject,omitempty"`
		Action   []matcherJSON `json:"action,omitempty"`
		Resource []matcherJSON `json:"resource,omitempty"`
	} `json:"target"`
	Condition *conditionJSON `json:"condition,omitempty"`
}

// LoadPoliciesFile parses a JSON policies file into Policy values,
// rejecting unknown effects and malformed condition trees.
func LoadPoliciesFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy: parsing %s: %w", path, err)
	}
	out := make([]Policy, 0, len(raw))
	for _, pj := range raw {
		if pj.ID == "" {
			return nil, fmt.Errorf("policy: entry with empty id in %s", path)
		}
		var effect Effect
		switch pj.Effect {
		case "Permit", "permit":
			effect = EffectPermit
		case "Deny", "deny":
			effect = EffectDeny
		default:
			return nil, fmt.Errorf("policy: %s: unknown effect %q", pj.ID, pj.Effect)
		}
		p := Policy{ID: pj.ID, Effect: effect}
		p.Target.Subject = toMatchers(pj.Target.Subject)
		p.Target.Action = toMatchers(pj.Target.Action)
		p.Target.Resource = toMatchers(pj.Target.Resource)
		if pj.Condition != nil {
			cond, err := pj.Condition.toCondition()
			if err != nil {
				return nil, fmt.Errorf("policy: %s: %w", pj.ID, err)
			}
			p.Condition = cond
		}
		out = append(out, p)
	}
	return out, nil
}

func toMatchers(ms []matcherJSON) []Matcher {
	if len(ms) == 0 {
		return nil
	}
	out := make([]Matcher, len(ms))
	for i, m := range ms {
		out[i] = m.toMatcher()
	}
	return out
}
