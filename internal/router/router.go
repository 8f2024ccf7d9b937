// Package router implements the Router (§4.2): given a request it selects a
// route and backend service from the current Config Snapshot and computes
// the rewritten upstream path.
package router

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wudi/karateway/internal/model"
	"github.com/wudi/karateway/internal/snapshot"
)

// Match is the selected route plus the backend service it resolved to.
type Match struct {
	Route   model.ApiRoute
	Service model.BackendService
}

// ErrNoMatch is returned when no active route's (path_pattern, method)
// matches the request.
var ErrNoMatch = fmt.Errorf("no route matched")

// ErrServiceInactive is returned when the matched route's backend service is
// missing from the snapshot or has been deactivated.
var ErrServiceInactive = fmt.Errorf("backend service is inactive")

// Route selects the highest-priority active route whose method matches and
// whose path_pattern is a prefix of path, then resolves its backend service.
func Route(snap *snapshot.Snapshot, path, method string) (Match, error) {
	method = strings.ToUpper(method)

	var best *model.ApiRoute
	for _, r := range snap.Routes() {
		r := r
		if !strings.EqualFold(r.Method, method) {
			continue
		}
		if !strings.HasPrefix(path, r.PathPattern) {
			continue
		}
		if best == nil || r.Priority > best.Priority ||
			(r.Priority == best.Priority && r.CreatedAt.After(best.CreatedAt)) {
			best = &r
		}
	}

	if best == nil {
		return Match{}, ErrNoMatch
	}

	svc, ok := snap.Service(best.BackendServiceID)
	if !ok || !svc.IsActive {
		return Match{}, ErrServiceInactive
	}

	return Match{Route: *best, Service: svc}, nil
}

// TransformPath applies the strip_path_prefix rewrite: if stripping leaves
// the remainder empty or not starting with "/", a "/" is prepended. Query
// strings are the caller's responsibility to carry forward verbatim.
func TransformPath(route model.ApiRoute, requestPath string) string {
	if !route.StripPathPrefix {
		return requestPath
	}

	remainder := strings.TrimPrefix(requestPath, route.PathPattern)
	if remainder == "" || !strings.HasPrefix(remainder, "/") {
		remainder = "/" + remainder
	}
	return remainder
}

// UpstreamURL builds the absolute upstream URL: scheme and host come from
// the service's base_url (ports default to 80/443 per scheme when absent),
// the path is the (possibly stripped) upstream path, and query is carried
// verbatim from the original request.
func UpstreamURL(svc model.BackendService, upstreamPath, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(svc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url %q: %w", svc.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base_url scheme %q", base.Scheme)
	}

	u := &url.URL{
		Scheme:   base.Scheme,
		Host:     base.Host,
		Path:     joinPath(base.Path, upstreamPath),
		RawQuery: rawQuery,
	}
	return u, nil
}

// UpstreamHost returns the host that the upstream request's Host header should
// carry when preserve_host_header is false: the host[:port] exactly as written
// in base_url, with no default port added.
func UpstreamHost(svc model.BackendService) (string, error) {
	base, err := url.Parse(svc.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base_url %q: %w", svc.BaseURL, err)
	}
	return base.Host, nil
}

func joinPath(base, extra string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(extra, "/") {
		extra = "/" + extra
	}
	return base + extra
}
