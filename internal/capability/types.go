// Copyright 2025 James Ross
package capability

import (
	"sync"

	"github.com/flyingrobots/judge-platform/internal/pluginrt"
)

// Grant is a capability grant: at most one per (plugin_id, capability)
// pair, carrying the rate limits and database access level for that
// pair.
type Grant struct {
	PluginID            string
	Capability          pluginrt.Capability
	Limit               RateLimit
	DatabaseAccessLevel int
}

// GrantStore is a concurrent map keyed by (plugin_id, capability).
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

func NewGrantStore() *GrantStore {
	return &GrantStore{grants: make(map[string]Grant)}
}

func grantKey(pluginID string, cap pluginrt.Capability) string {
	return pluginID + "\x00" + string(cap)
}

// Put installs or replaces a grant; the map key upholds the one-grant-
// per-(plugin_id, capability) invariant.
func (s *GrantStore) Put(g Grant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey(g.PluginID, g.Capability)] = g
}

func (s *GrantStore) Revoke(pluginID string, cap pluginrt.Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantKey(pluginID, cap))
}

func (s *GrantStore) Get(pluginID string, cap pluginrt.Capability) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey(pluginID, cap)]
	return g, ok
}
