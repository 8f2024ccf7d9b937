// Package health is the out-of-band backend Health Checker (§4.4): a single
// background task that ticks every interval, probes each service that
// declares a health_check_url, and classifies it directly as Healthy or
// Unhealthy — no consecutive-count hysteresis. Services with no
// health_check_url are always reported healthy; never-probed services are
// Unknown, which the data plane gate treats as healthy.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/karateway/internal/logging"
	"github.com/wudi/karateway/internal/metrics"
	"github.com/wudi/karateway/internal/model"
)

// Status is a service's current health classification.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// ServiceSource supplies the set of services to probe on each tick; the
// Config Snapshot is the production implementation.
type ServiceSource interface {
	Services() []model.BackendService
}

// Checker holds the concurrent service→status map and drives the probe loop.
type Checker struct {
	client    *http.Client
	source    ServiceSource
	interval  time.Duration
	collector *metrics.Collector // nil means "metrics not wired"

	mu     sync.RWMutex
	status map[uuid.UUID]Status
}

// New creates a Checker. timeout bounds each individual probe request;
// interval is the tick period of the single background task. collector may
// be nil, in which case probe outcomes are only tracked in-process.
func New(source ServiceSource, interval, timeout time.Duration, collector *metrics.Collector) *Checker {
	return &Checker{
		client:    &http.Client{Timeout: timeout},
		source:    source,
		interval:  interval,
		status:    make(map[uuid.UUID]Status),
		collector: collector,
	}
}

// IsHealthy reports whether id should be treated as usable for routing.
// Unknown (never probed) is treated as healthy per §4.4.
func (c *Checker) IsHealthy(id uuid.UUID) bool {
	return c.Status(id) != StatusUnhealthy
}

// Status returns the last-observed classification for id.
func (c *Checker) Status(id uuid.UUID) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.status[id]; ok {
		return st
	}
	return StatusUnknown
}

// Run drives the single background probe task. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	c.checkAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

func (c *Checker) checkAll(ctx context.Context) {
	for _, svc := range c.source.Services() {
		if svc.HealthCheckURL == "" {
			continue
		}
		c.checkOne(ctx, svc)
	}
}

func (c *Checker) checkOne(ctx context.Context, svc model.BackendService) {
	url := resolveHealthURL(svc.BaseURL, svc.HealthCheckURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.setStatus(svc, StatusUnhealthy)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.setStatus(svc, StatusUnhealthy)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.setStatus(svc, StatusHealthy)
	} else {
		c.setStatus(svc, StatusUnhealthy)
	}
}

func (c *Checker) setStatus(svc model.BackendService, next Status) {
	c.mu.Lock()
	prev, existed := c.status[svc.ID]
	c.status[svc.ID] = next
	c.mu.Unlock()

	if !existed || prev != next {
		logging.Info("backend health transition",
			zap.String("service", svc.Name),
			zap.String("status", next.String()),
		)
	}

	if c.collector != nil {
		c.collector.RecordHealthCheck(svc.Name, next.String(), next != StatusUnhealthy)
	}
}

// resolveHealthURL builds the probe URL: absolute URLs pass through
// unchanged, otherwise healthPath is appended to the service's base URL.
func resolveHealthURL(baseURL, healthPath string) string {
	if strings.HasPrefix(healthPath, "http://") || strings.HasPrefix(healthPath, "https://") {
		return healthPath
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(healthPath, "/")
}
