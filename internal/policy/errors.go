// Copyright 2025 James Ross
package policy

import "errors"

// ErrPolicyExists is returned by Engine.Add when a policy with the same
// ID is already registered; IDs are the map key and must stay unique.
var ErrPolicyExists = errors.New("policy: id already registered")

// ErrPolicyNotFound is returned by Engine.Remove for an unknown ID.
var ErrPolicyNotFound = errors.New("policy: id not found")
