// Copyright 2025 James Ross
package policy

import (
	"regexp"
	"strings"
)

// Operator is the comparator used by a Target matcher or a Condition leaf.
type Operator string

const (
	OpEquals      Operator = "Equals"
	OpNotEquals   Operator = "NotEquals"
	OpContains    Operator = "Contains"
	OpIn          Operator = "In"
	OpGreaterThan Operator = "GreaterThan"
	OpLessThan    Operator = "LessThan"
	OpRegex       Operator = "Regex"
	OpStartsWith  Operator = "StartsWith"
	OpEndsWith    Operator = "EndsWith"
)

// Matcher is one (facet, attribute, operator, value) test used by a
// Target or as the comparison operator inside a Condition leaf.
type Matcher struct {
	Facet     string // "Subject" | "Action" | "Resource" | "Environment"
	Attribute string
	Operator  Operator
	Value     AttributeValue
}

func (m Matcher) evaluate(req AccessRequest) bool {
	left, ok := req.path(m.Facet, m.Attribute)
	if !ok {
		return false
	}
	return applyOperator(m.Operator, left, m.Value)
}

// applyOperator implements the comparison operators: Equals/Equal
// structural; Contains substring-or-membership; In reverse membership;
// Greater/Less numeric-only; Regex string-only with fresh compilation,
// invalid pattern -> false.
func applyOperator(op Operator, left, right AttributeValue) bool {
	switch op {
	case OpEquals:
		return left.Equal(right)
	case OpNotEquals:
		return !left.Equal(right)
	case OpContains:
		if ls, ok := left.AsString(); ok {
			if rs, ok := right.AsString(); ok {
				return strings.Contains(ls, rs)
			}
			return false
		}
		if arr, ok := left.AsArray(); ok {
			for _, v := range arr {
				if v.Equal(right) {
					return true
				}
			}
			return false
		}
		return false
	case OpIn:
		if arr, ok := right.AsArray(); ok {
			for _, v := range arr {
				if v.Equal(left) {
					return true
				}
			}
		}
		return false
	case OpGreaterThan:
		ln, lok := left.AsNumber()
		rn, rok := right.AsNumber()
		return lok && rok && ln > rn
	case OpLessThan:
		ln, lok := left.AsNumber()
		rn, rok := right.AsNumber()
		return lok && rok && ln < rn
	case OpStartsWith:
		ls, lok := left.AsString()
		rs, rok := right.AsString()
		return lok && rok && strings.HasPrefix(ls, rs)
	case OpEndsWith:
		ls, lok := left.AsString()
		rs, rok := right.AsString()
		return lok && rok && strings.HasSuffix(ls, rs)
	case OpRegex:
		ls, lok := left.AsString()
		rs, rok := right.AsString()
		if !lok || !rok {
			return false
		}
		re, err := regexp.Compile(rs)
		if err != nil {
			return false
		}
		return re.MatchString(ls)
	default:
		return false
	}
}

// ConditionKind discriminates the Condition tree node types.
type ConditionKind int

const (
	CondAnd ConditionKind = iota
	CondOr
	CondNot
	CondLeaf
)

// Condition is a boolean tree over AttributeComparisons. And/Or short
// circuit; an empty And is true, an empty Or is false.
type Condition struct {
	Kind     ConditionKind
	Children []Condition // And, Or, Not (exactly one child)
	Leaf     Matcher     // CondLeaf
}

func And(children ...Condition) Condition { return Condition{Kind: CondAnd, Children: children} }
func Or(children ...Condition) Condition  { return Condition{Kind: CondOr, Children: children} }
func Not(child Condition) Condition       { return Condition{Kind: CondNot, Children: []Condition{child}} }
func Leaf(m Matcher) Condition            { return Condition{Kind: CondLeaf, Leaf: m} }

func (c Condition) Evaluate(req AccessRequest) bool {
	switch c.Kind {
	case CondAnd:
		for _, child := range c.Children {
			if !child.Evaluate(req) {
				return false
			}
		}
		return true
	case CondOr:
		for _, child := range c.Children {
			if child.Evaluate(req) {
				return true
			}
		}
		return false
	case CondNot:
		if len(c.Children) != 1 {
			return false
		}
		return !c.Children[0].Evaluate(req)
	case CondLeaf:
		return c.Leaf.evaluate(req)
	default:
		return false
	}
}
