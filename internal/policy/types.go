// Copyright 2025 James Ross
package policy

import "time"

// AttributeValue is the tagged union every attribute in an AccessRequest is
// expressed as. Equality is structural; ordering is defined only for Number.
type AttributeValue struct {
	kind   attrKind
	str    string
	num    float64
	boolv  bool
	arr    []AttributeValue
}

type attrKind int

const (
	kindString attrKind = iota
	kindNumber
	kindBool
	kindArray
)

func String(s string) AttributeValue { return AttributeValue{kind: kindString, str: s} }
func Number(n float64) AttributeValue { return AttributeValue{kind: kindNumber, num: n} }
func Bool(b bool) AttributeValue      { return AttributeValue{kind: kindBool, boolv: b} }
func Array(vs ...AttributeValue) AttributeValue {
	return AttributeValue{kind: kindArray, arr: vs}
}

func (v AttributeValue) IsString() bool { return v.kind == kindString }
func (v AttributeValue) IsNumber() bool { return v.kind == kindNumber }
func (v AttributeValue) IsBool() bool   { return v.kind == kindBool }
func (v AttributeValue) IsArray() bool  { return v.kind == kindArray }

func (v AttributeValue) AsString() (string, bool) {
	if v.kind != kindString {
		return "", false
	}
	return v.str, true
}

func (v AttributeValue) AsNumber() (float64, bool) {
	if v.kind != kindNumber {
		return 0, false
	}
	return v.num, true
}

func (v AttributeValue) AsBool() (bool, bool) {
	if v.kind != kindBool {
		return false, false
	}
	return v.boolv, true
}

func (v AttributeValue) AsArray() ([]AttributeValue, bool) {
	if v.kind != kindArray {
		return nil, false
	}
	return v.arr, true
}

// Equal is structural equality over the sum type.
func (v AttributeValue) Equal(other AttributeValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case kindString:
		return v.str == other.str
	case kindNumber:
		return v.num == other.num
	case kindBool:
		return v.boolv == other.boolv
	case kindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// AttributeMap is a flat bag of named attributes on a request facet.
type AttributeMap map[string]AttributeValue

func (m AttributeMap) Get(name string) (AttributeValue, bool) {
	v, ok := m[name]
	return v, ok
}

// Subject, Action, Resource, Environment are the four facets of an
// AccessRequest. Environment carries request-time context the Kernel fills
// in (current hour/weekday) rather than caller-supplied data.
type Subject struct {
	ID         string
	Attributes AttributeMap
}

type Action struct {
	Name       string
	Attributes AttributeMap
}

type Resource struct {
	Type       string
	ID         string
	Attributes AttributeMap
}

type Environment struct {
	Timestamp time.Time
	IP        string
	UserAgent string
	Attributes AttributeMap
}

// AccessRequest is an immutable snapshot evaluated against the policy set.
type AccessRequest struct {
	Subject     Subject
	Action      Action
	Resource    Resource
	Environment Environment
}

// path resolves "{Subject|Action|Resource|Environment}.name" against the
// request. A missing attribute reports ok=false.
func (r AccessRequest) path(facet, name string) (AttributeValue, bool) {
	switch facet {
	case "Subject":
		if name == "id" {
			return String(r.Subject.ID), true
		}
		return r.Subject.Attributes.Get(name)
	case "Action":
		if name == "name" {
			return String(r.Action.Name), true
		}
		return r.Action.Attributes.Get(name)
	case "Resource":
		if name == "type" {
			return String(r.Resource.Type), true
		}
		if name == "id" {
			return String(r.Resource.ID), true
		}
		return r.Resource.Attributes.Get(name)
	case "Environment":
		switch name {
		case "ip":
			return String(r.Environment.IP), true
		case "user_agent":
			return String(r.Environment.UserAgent), true
		case "hour":
			return Number(float64(r.Environment.Timestamp.Hour())), true
		case "weekday":
			return Number(float64(r.Environment.Timestamp.Weekday())), true
		}
		return r.Environment.Attributes.Get(name)
	}
	return AttributeValue{}, false
}

// Decision is the outcome of evaluating an AccessRequest.
type Decision int

const (
	NotApplicable Decision = iota
	Permit
	Deny
)

func (d Decision) String() string {
	switch d {
	case Permit:
		return "Permit"
	case Deny:
		return "Deny"
	default:
		return "NotApplicable"
	}
}
