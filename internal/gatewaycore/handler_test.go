package gatewaycore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/wudi/karateway/internal/health"
	"github.com/wudi/karateway/internal/model"
	"github.com/wudi/karateway/internal/proxy"
	"github.com/wudi/karateway/internal/ratelimit"
	"github.com/wudi/karateway/internal/snapshot"
)

// denyingScripter is a redis.Scripter that always reports a limit as
// exhausted, regardless of which Lua script the caller believes it is
// running — sufficient to exercise the 429 path end to end.
type denyingScripter struct{ resetUnix int64 }

func (d denyingScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	cmd := goredis.NewCmd(ctx)
	cmd.SetVal([]interface{}{int64(0), int64(0), d.resetUnix})
	return cmd
}

func (d denyingScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	return d.Eval(ctx, script, keys, args...)
}

func (d denyingScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *goredis.Cmd {
	return d.Eval(ctx, "", keys, args...)
}

func (d denyingScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *goredis.Cmd {
	return d.EvalSha(ctx, sha1, keys, args...)
}

func (d denyingScripter) ScriptExists(ctx context.Context, hashes ...string) *goredis.BoolSliceCmd {
	cmd := goredis.NewBoolSliceCmd(ctx)
	existing := make([]bool, len(hashes))
	for i := range existing {
		existing[i] = true
	}
	cmd.SetVal(existing)
	return cmd
}

func (d denyingScripter) ScriptLoad(ctx context.Context, script string) *goredis.StringCmd {
	cmd := goredis.NewStringCmd(ctx)
	cmd.SetVal(script)
	return cmd
}

type staticSnapshot struct{ snap *snapshot.Snapshot }

func (s staticSnapshot) Snapshot() *snapshot.Snapshot { return s.snap }

type recordingAudit struct{ records []model.AuditRecord }

func (a *recordingAudit) Log(rec model.AuditRecord) { a.records = append(a.records, rec) }

// recordingMetricWriter is a metrics.MetricWriter test double that records
// writes under a mutex, since persistMetric writes from a goroutine.
type recordingMetricWriter struct {
	mu      sync.Mutex
	metrics []model.GatewayMetric
}

func (w *recordingMetricWriter) WriteGatewayMetric(ctx context.Context, m model.GatewayMetric) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = append(w.metrics, m)
	return nil
}

func (w *recordingMetricWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.metrics)
}

func newRoutedSnapshot(t *testing.T, upstream string) (*snapshot.Snapshot, uuid.UUID) {
	t.Helper()
	svcID := uuid.New()
	routeID := uuid.New()
	svc := model.BackendService{ID: svcID, Name: "orders", BaseURL: upstream, IsActive: true}
	route := model.ApiRoute{ID: routeID, PathPattern: "/api", Method: http.MethodGet, BackendServiceID: svcID, IsActive: true, CreatedAt: time.Now()}
	return snapshot.Build([]model.BackendService{svc}, []model.ApiRoute{route}, nil, nil), routeID
}

func TestServeHTTPProxiesAndMarksPoweredBy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	snap, _ := newRoutedSnapshot(t, upstream.URL)
	mw := &recordingMetricWriter{}
	h := New(staticSnapshot{snap}, nil, nil, proxy.New(5*time.Second), nil, nil, mw)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "1.2.3.4:1111"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Powered-By"); got != "Karateway" {
		t.Errorf("X-Powered-By = %q, want Karateway", got)
	}

	waitForCount(t, mw, 1)
}

// waitForCount polls a recordingMetricWriter for its metric to land, since
// persistMetric writes from a background goroutine.
func waitForCount(t *testing.T, mw *recordingMetricWriter, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mw.count() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("metric writer got %d writes, want at least %d", mw.count(), want)
}

func TestServeHTTPReturns404ForNoMatch(t *testing.T) {
	snap, _ := newRoutedSnapshot(t, "http://unused.invalid")
	audit := &recordingAudit{}
	h := New(staticSnapshot{snap}, nil, nil, proxy.New(time.Second), audit, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.RemoteAddr = "1.1.1.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(audit.records) != 0 {
		t.Errorf("NoRouteMatch must not be audited by default, got %d records", len(audit.records))
	}
}

func TestServeHTTPDeniesByWhitelistAndAudits(t *testing.T) {
	svcID := uuid.New()
	routeID := uuid.New()
	svc := model.BackendService{ID: svcID, Name: "orders", BaseURL: "http://unused.invalid", IsActive: true}
	route := model.ApiRoute{ID: routeID, PathPattern: "/api", Method: http.MethodGet, BackendServiceID: svcID, IsActive: true, CreatedAt: time.Now()}
	cfg, _ := json.Marshal(map[string][]string{"allowed_ips": []string{"9.9.9.9"}})
	rule := model.WhitelistRule{ID: uuid.New(), RuleName: "ip-allow", RuleType: "ip", ApiRouteID: &routeID, Config: cfg, Priority: 1, IsActive: true}

	snap := snapshot.Build([]model.BackendService{svc}, []model.ApiRoute{route}, nil, []model.WhitelistRule{rule})
	audit := &recordingAudit{}
	h := New(staticSnapshot{snap}, nil, nil, proxy.New(time.Second), audit, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "4.4.4.4:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(audit.records) != 1 {
		t.Fatalf("expected 1 audit record for a whitelist denial, got %d", len(audit.records))
	}
	if audit.records[0].EventType != model.EventTypeWhitelistDenied {
		t.Errorf("event type = %q, want %q", audit.records[0].EventType, model.EventTypeWhitelistDenied)
	}
}

func TestServeHTTPDeniesByRateLimitAndSetsHeaders(t *testing.T) {
	svcID := uuid.New()
	routeID := uuid.New()
	svc := model.BackendService{ID: svcID, Name: "orders", BaseURL: "http://unused.invalid", IsActive: true}
	route := model.ApiRoute{ID: routeID, PathPattern: "/api", Method: http.MethodGet, BackendServiceID: svcID, IsActive: true, CreatedAt: time.Now()}
	limit := model.RateLimit{ID: uuid.New(), Name: "per-ip", ApiRouteID: &routeID, MaxRequests: 5, WindowSeconds: 60, IdentifierType: "ip", IsActive: true}
	snap := snapshot.Build([]model.BackendService{svc}, []model.ApiRoute{route}, []model.RateLimit{limit}, nil)

	resetUnix := time.Now().Add(30 * time.Second).Unix()
	limiter := ratelimit.New(denyingScripter{resetUnix: resetUnix})
	audit := &recordingAudit{}
	h := New(staticSnapshot{snap}, nil, limiter, proxy.New(time.Second), audit, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "7.7.7.7:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %q, want 5", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != strconv.FormatInt(resetUnix, 10) {
		t.Errorf("X-RateLimit-Reset = %q, want %d", got, resetUnix)
	}
	if got := rec.Header().Get("Retry-After"); got == "" {
		t.Error("Retry-After must be set on a 429")
	}

	if len(audit.records) != 1 {
		t.Fatalf("expected 1 audit record for a rate-limit denial, got %d", len(audit.records))
	}
	var meta map[string]any
	if err := json.Unmarshal(audit.records[0].Metadata, &meta); err != nil {
		t.Fatalf("unmarshal audit metadata: %v", err)
	}
	for _, key := range []string{"limit_name", "identifier_type", "identifier", "max_requests", "window_seconds"} {
		if _, ok := meta[key]; !ok {
			t.Errorf("audit metadata missing key %q: %v", key, meta)
		}
	}
}

func TestServeHTTPGatesOnUnhealthyService(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	svcID := uuid.New()
	routeID := uuid.New()
	svc := model.BackendService{ID: svcID, Name: "orders", BaseURL: "http://unused.invalid", HealthCheckURL: down.URL, IsActive: true}
	route := model.ApiRoute{ID: routeID, PathPattern: "/api", Method: http.MethodGet, BackendServiceID: svcID, IsActive: true, CreatedAt: time.Now()}
	snap := snapshot.Build([]model.BackendService{svc}, []model.ApiRoute{route}, nil, nil)

	checker := health.New(fakeSource{[]model.BackendService{svc}}, time.Hour, time.Second, nil)
	probeCtx, cancel := context.WithCancel(t.Context())
	cancel() // Run's immediate checkAll still executes before it observes ctx.Done
	checker.Run(probeCtx)

	h := New(staticSnapshot{snap}, checker, nil, proxy.New(time.Second), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.RemoteAddr = "1.1.1.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (service is unhealthy)", rec.Code)
	}
}

type fakeSource struct{ services []model.BackendService }

func (f fakeSource) Services() []model.BackendService { return f.services }
