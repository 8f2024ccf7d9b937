// Package gatewaycore wires the Router, Whitelist Validator, Health Checker,
// Rate Limiter, Proxy Engine, Audit Sink and metrics Collector into a single
// http.Handler implementing the per-request pipeline (§4.7, §7).
package gatewaycore

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/karateway/internal/errors"
	"github.com/wudi/karateway/internal/health"
	"github.com/wudi/karateway/internal/logging"
	"github.com/wudi/karateway/internal/metrics"
	"github.com/wudi/karateway/internal/model"
	"github.com/wudi/karateway/internal/proxy"
	"github.com/wudi/karateway/internal/ratelimit"
	"github.com/wudi/karateway/internal/router"
	"github.com/wudi/karateway/internal/snapshot"
	"github.com/wudi/karateway/internal/whitelist"
)

// SnapshotSource supplies the current Config Snapshot; internal/configloader.Loader
// is the production implementation.
type SnapshotSource interface {
	Snapshot() *snapshot.Snapshot
}

// AuditLogger enqueues one denial/security event without blocking the caller.
type AuditLogger interface {
	Log(rec model.AuditRecord)
}

// Handler implements the full request pipeline as an http.Handler.
type Handler struct {
	snapshots    SnapshotSource
	health       *health.Checker
	limiter      *ratelimit.Limiter // nil means "rate limiting unconfigured" (§4.5 Failure)
	engine       *proxy.Engine
	audit        AuditLogger
	collector    *metrics.Collector
	metricWriter metrics.MetricWriter // nil means "gateway_metrics persistence unconfigured"
}

// New assembles a Handler. limiter may be nil when Redis is unconfigured;
// metricWriter may be nil when gateway_metrics persistence is unconfigured.
func New(snapshots SnapshotSource, checker *health.Checker, limiter *ratelimit.Limiter, engine *proxy.Engine, audit AuditLogger, collector *metrics.Collector, metricWriter metrics.MetricWriter) *Handler {
	return &Handler{
		snapshots:    snapshots,
		health:       checker,
		limiter:      limiter,
		engine:       engine,
		audit:        audit,
		collector:    collector,
		metricWriter: metricWriter,
	}
}

// ServeHTTP runs the eight-step pipeline: route, whitelist, health gate,
// rate limit, rewrite (inside Dispatch), dispatch, response filter, then
// audit/metrics emission for denials and completions alike.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	snap := h.snapshots.Snapshot()

	match, err := router.Route(snap, req.URL.Path, req.Method)
	if err != nil {
		h.deny(w, req, errors.ErrNoRouteMatch, nil, false, start)
		return
	}
	routeID := match.Route.ID

	clientIP := whitelist.ClientIP(req)
	rules := snap.WhitelistRulesFor(routeID)
	if allowed, _ := whitelist.Validate(rules, req, clientIP); !allowed {
		h.deny(w, req, errors.ErrWhitelistDenied, &match, true, start)
		return
	}

	if h.health != nil && !h.health.IsHealthy(match.Service.ID) {
		h.deny(w, req, errors.ServiceUnhealthy(match.Service.Name), &match, false, start)
		return
	}

	if h.limiter != nil {
		decisionStart := time.Now()
		decision, err := h.limiter.CheckAll(req.Context(), snap, routeID, req)
		if err != nil {
			if h.collector != nil {
				h.collector.RecordRateLimiterDecision("error", time.Since(decisionStart))
			}
			h.deny(w, req, errors.ErrLimiterTransport, &match, false, start)
			return
		}
		if !decision.Allowed {
			if h.collector != nil {
				h.collector.RecordRateLimiterDecision("denied", time.Since(decisionStart))
			}
			h.denyRateLimit(w, req, &match, decision, start)
			return
		}
		if h.collector != nil {
			h.collector.RecordRateLimiterDecision("allowed", time.Since(decisionStart))
		}
	}

	resp, err := h.engine.Dispatch(req.Context(), match, req)
	if err != nil {
		ge, ok := errors.IsGatewayError(err)
		if !ok {
			ge = errors.ErrBadGateway
		}
		h.deny(w, req, ge, &match, false, start)
		return
	}

	statusCode := resp.StatusCode
	if err := proxy.FilterResponse(w, resp); err != nil {
		logging.Error("streaming upstream response failed", zap.Error(err))
	}

	if h.collector != nil {
		h.collector.RecordRequest(match.Route.PathPattern, statusLabel(statusCode), time.Since(start))
	}
	h.persistMetric(buildGatewayMetric(req, &match, statusCode, start, ""))
}

// deny writes ge's JSON body and, when audit is true, logs an audit record.
// §7: NoRouteMatch, ServiceUnhealthy, UpstreamInvalidUrl and UpstreamDispatch
// are not audited by default; WhitelistDenied and RateLimitDenied are.
func (h *Handler) deny(w http.ResponseWriter, req *http.Request, ge *errors.GatewayError, match *router.Match, audit bool, start time.Time) {
	ge.WriteJSON(w)

	if h.collector != nil {
		path := req.URL.Path
		if match != nil {
			path = match.Route.PathPattern
		}
		h.collector.RecordRequest(path, statusLabel(ge.Code), 0)
		h.collector.RecordDenial(string(ge.Kind))
	}

	if audit && h.audit != nil {
		h.audit.Log(buildAuditRecord(ge, req, match))
	}
	h.persistMetric(buildGatewayMetric(req, match, ge.Code, start, ge.Message))
}

func (h *Handler) denyRateLimit(w http.ResponseWriter, req *http.Request, match *router.Match, decision *ratelimit.Decision, start time.Time) {
	ge := errors.ErrRateLimitDenied

	retryAfter := int(decision.ResetUnix - time.Now().Unix())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.MaxRequests))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetUnix, 10))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	ge.WriteJSON(w)

	if h.collector != nil {
		h.collector.RecordRequest(match.Route.PathPattern, statusLabel(ge.Code), 0)
		h.collector.RecordDenial(string(ge.Kind))
	}
	h.persistMetric(buildGatewayMetric(req, match, ge.Code, start, ge.Message))

	if h.audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"limit_name":      decision.LimitName,
		"identifier_type": decision.IdentifierType,
		"identifier":      decision.Identifier,
		"max_requests":    decision.MaxRequests,
		"window_seconds":  decision.WindowSecs,
	})
	rec := buildAuditRecord(ge, req, match)
	rec.EventType = model.EventTypeRateLimitExceeded
	rec.EventCategory = model.EventCategoryRateLimit
	rec.Metadata = meta
	h.audit.Log(rec)
}

// persistMetric writes one gateway_metrics row off the request path. A slow
// or unreachable store never delays the response that already went out.
func (h *Handler) persistMetric(m model.GatewayMetric) {
	if h.metricWriter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.PersistRequest(ctx, h.metricWriter, m); err != nil {
			logging.Error("gateway metric persistence failed, dropping", zap.Error(err))
		}
	}()
}

func buildGatewayMetric(req *http.Request, match *router.Match, statusCode int, start time.Time, errMsg string) model.GatewayMetric {
	m := model.GatewayMetric{
		Timestamp:      time.Now().UTC(),
		Method:         req.Method,
		Path:           req.URL.Path,
		StatusCode:     statusCode,
		ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		ErrorMessage:   errMsg,
	}
	if match != nil {
		routeID := match.Route.ID
		svcID := match.Service.ID
		m.RouteID = &routeID
		m.BackendServiceID = &svcID
		m.Path = match.Route.PathPattern
	}
	return m
}

func buildAuditRecord(ge *errors.GatewayError, req *http.Request, match *router.Match) model.AuditRecord {
	rec := model.AuditRecord{
		EventType:     model.EventTypeWhitelistDenied,
		EventCategory: model.EventCategoryWhitelist,
		Severity:      model.SeverityWarning,
		RequestMethod: req.Method,
		RequestPath:   req.URL.Path,
		ClientIP:      whitelist.ClientIP(req),
		UserAgent:     req.UserAgent(),
		Message:       ge.Message,
		StatusCode:    ge.Code,
		CreatedAt:     time.Now().UTC(),
	}
	if match != nil {
		routeID := match.Route.ID
		svcID := match.Service.ID
		rec.ApiRouteID = &routeID
		rec.BackendServiceID = &svcID
	}
	return rec
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
