// Package snapshot holds the immutable Configuration Snapshot: the
// in-memory view of all active config produced by the Config Loader and
// consumed lock-free by the Router, Whitelist Validator and Rate Limiter.
package snapshot

import (
	"sort"

	"github.com/google/uuid"

	"github.com/wudi/karateway/internal/model"
)

// Snapshot is immutable once constructed; readers never observe a partial update.
type Snapshot struct {
	services map[uuid.UUID]model.BackendService
	routes   []model.ApiRoute

	// keyed by route id; the zero UUID key holds the global ("None") group.
	rateLimits     map[uuid.UUID][]model.RateLimit
	whitelistRules map[uuid.UUID][]model.WhitelistRule
}

// globalKey is the sentinel used for the nullable api_route_id "global" group.
var globalKey = uuid.UUID{}

// Build assembles a new Snapshot from freshly-read rows, applying the
// filtering, grouping and sort order §4.1 step (2)-(4) specifies.
func Build(services []model.BackendService, routes []model.ApiRoute, rateLimits []model.RateLimit, whitelistRules []model.WhitelistRule) *Snapshot {
	s := &Snapshot{
		services:       make(map[uuid.UUID]model.BackendService, len(services)),
		rateLimits:     make(map[uuid.UUID][]model.RateLimit),
		whitelistRules: make(map[uuid.UUID][]model.WhitelistRule),
	}

	// Services: keep all rows (consumers filter is_active), so a route whose
	// service was deactivated can still be rejected rather than silently
	// falling through to a stale entry.
	for _, svc := range services {
		s.services[svc.ID] = svc
	}

	for _, r := range routes {
		if !r.IsActive {
			continue
		}
		s.routes = append(s.routes, r)
	}

	for _, rl := range rateLimits {
		if !rl.IsActive {
			continue
		}
		key := globalKey
		if rl.ApiRouteID != nil {
			key = *rl.ApiRouteID
		}
		s.rateLimits[key] = append(s.rateLimits[key], rl)
	}

	for _, wr := range whitelistRules {
		if !wr.IsActive {
			continue
		}
		key := globalKey
		if wr.ApiRouteID != nil {
			key = *wr.ApiRouteID
		}
		s.whitelistRules[key] = append(s.whitelistRules[key], wr)
	}
	for key := range s.whitelistRules {
		group := s.whitelistRules[key]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Priority > group[j].Priority
		})
		s.whitelistRules[key] = group
	}

	return s
}

// Routes returns every active route in the snapshot.
func (s *Snapshot) Routes() []model.ApiRoute {
	return s.routes
}

// Services returns every backend service in the snapshot, active or not,
// so the Health Checker can probe (and report on) deactivated services too.
func (s *Snapshot) Services() []model.BackendService {
	out := make([]model.BackendService, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	return out
}

// Service looks up a backend service by id, regardless of its active state —
// callers must check IsActive themselves (§4.2 "reject if ... is_active=false").
func (s *Snapshot) Service(id uuid.UUID) (model.BackendService, bool) {
	svc, ok := s.services[id]
	return svc, ok
}

// RateLimitsFor returns the union of route-scoped and global rate limits for routeID,
// in a deterministic order: route-scoped limits first, then global limits.
func (s *Snapshot) RateLimitsFor(routeID uuid.UUID) []model.RateLimit {
	var out []model.RateLimit
	out = append(out, s.rateLimits[routeID]...)
	if routeID != globalKey {
		out = append(out, s.rateLimits[globalKey]...)
	}
	return out
}

// WhitelistRulesFor returns the union of route-scoped and global whitelist
// rules for routeID, sorted descending by priority as §3 requires.
func (s *Snapshot) WhitelistRulesFor(routeID uuid.UUID) []model.WhitelistRule {
	merged := append([]model.WhitelistRule{}, s.whitelistRules[routeID]...)
	if routeID != globalKey {
		merged = append(merged, s.whitelistRules[globalKey]...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority > merged[j].Priority
	})
	return merged
}
