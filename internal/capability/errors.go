// Copyright 2025 James Ross
package capability

import "errors"

var (
	ErrCapabilityDenied = errors.New("capability: denied")
	ErrRateLimited      = errors.New("capability: rate limited")
)
