// Copyright 2025 James Ross

// Package policy implements the ABAC combining-algorithm engine: an
// ordered, concurrently-mutable set of Policies evaluated against an
// AccessRequest under deny-overrides.
package policy

import (
	"sync"

	"go.uber.org/zap"
)

// Engine evaluates AccessRequests against a concurrent policy set.
// Readers never block writers: Add/Remove take a brief write lock on the
// map only, Evaluate reads under RLock and holds no lock across the
// (purely synchronous, non-blocking) per-policy evaluation.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
	order    []string // insertion order kept for deterministic audit entries only
	logger   *zap.Logger
	audit    *AuditLog
}

// NewEngine builds an empty engine. logger may be nil (uses zap.NewNop).
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		policies: make(map[string]Policy),
		logger:   logger,
		audit:    NewAuditLog(256),
	}
}

// Add registers a policy. O(1); safe for concurrent Evaluate calls.
func (e *Engine) Add(p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.ID]; exists {
		return ErrPolicyExists
	}
	e.policies[p.ID] = p
	e.order = append(e.order, p.ID)
	return nil
}

// Remove deregisters a policy by ID. O(1) amortized.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[id]; !exists {
		return ErrPolicyNotFound
	}
	delete(e.policies, id)
	for i, pid := range e.order {
		if pid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a copy of a registered policy.
func (e *Engine) Get(id string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	return p, ok
}

// Evaluate applies the deny-overrides combining algorithm:
//  1. collect policies whose Target matches the request (no-match on any
//     missing attribute referenced by a present matcher);
//  2. if none, NotApplicable;
//  3. scan applicable policies whose Condition holds: a satisfied Deny
//     returns immediately; a satisfied Permit is remembered and the scan
//     continues (so a later Deny still wins; insertion order of
//     policies does not affect the decision);
//  4. after the scan, Permit if any satisfied Permit was seen, else
//     NotApplicable.
func (e *Engine) Evaluate(req AccessRequest) Decision {
	e.mu.RLock()
	// Snapshot under the lock, evaluate outside it: Condition.Evaluate is
	// pure and synchronous, so releasing the lock here keeps readers from
	// blocking writers for the duration of a sweep.
	snapshot := make([]Policy, 0, len(e.policies))
	for _, id := range e.order {
		if p, ok := e.policies[id]; ok {
			snapshot = append(snapshot, p)
		}
	}
	e.mu.RUnlock()

	applicableCount := 0
	sawPermit := false
	for _, p := range snapshot {
		if !p.applicable(req) {
			continue
		}
		applicableCount++
		if !p.satisfied(req) {
			continue
		}
		if p.Effect == EffectDeny {
			e.audit.Record(req, Deny, p.ID)
			return Deny
		}
		sawPermit = true
	}

	if applicableCount == 0 {
		e.audit.Record(req, NotApplicable, "")
		return NotApplicable
	}
	if sawPermit {
		e.audit.Record(req, Permit, "")
		return Permit
	}
	e.audit.Record(req, NotApplicable, "")
	return NotApplicable
}

// AuditTrail exposes the ring buffer of past decisions.
func (e *Engine) AuditTrail() []AuditEntry {
	return e.audit.Snapshot()
}

// SetAuditSink tees every future decision to a rotated audit file.
func (e *Engine) SetAuditSink(s *FileSink) {
	e.audit.SetSink(s)
}

// InstallDefaultPolicies installs the kernel's startup policy set:
// admins bypass everything; contest_admin gets * on contest; contestant
// gets read on problem; plugin routes require the plugin_access
// permission.
func (e *Engine) InstallDefaultPolicies() {
	_ = e.Add(Policy{
		ID:     "default-admin-all",
		Effect: EffectPermit,
		Condition: Leaf(Matcher{
			Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("admin"),
		}),
	})
	_ = e.Add(NewRoleBasedPolicy("default-contest-admin", EffectPermit, "contest_admin", "contest"))
	_ = e.Add(Policy{
		ID:     "default-contestant-read-problem",
		Effect: EffectPermit,
		Target: Target{
			Action:   []Matcher{{Facet: "Action", Attribute: "name", Operator: OpEquals, Value: String("read")}},
			Resource: []Matcher{{Facet: "Resource", Attribute: "type", Operator: OpEquals, Value: String("problem")}},
		},
		Condition: Leaf(Matcher{Facet: "Subject", Attribute: "roles", Operator: OpContains, Value: String("contestant")}),
	})
	_ = e.Add(NewPluginPolicy("default-plugin-access", EffectPermit, "plugin_access"))
}
