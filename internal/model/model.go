// Package model holds the Go representations of the entities the data
// plane reads from (and, for AuditRecord/GatewayMetric, writes to) the
// relational config store, matching the schema in §3.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BackendService is an upstream target. Only IsActive services participate in routing.
type BackendService struct {
	ID                         uuid.UUID
	Name                       string
	BaseURL                    string
	HealthCheckURL             string // empty means "no health check configured"
	HealthCheckIntervalSeconds int
	TimeoutMs                  int
	IsActive                   bool
}

// ApiRoute maps an inbound (path_pattern, method) prefix to a BackendService.
type ApiRoute struct {
	ID                 uuid.UUID
	PathPattern        string
	Method             string
	BackendServiceID   uuid.UUID
	StripPathPrefix    bool
	PreserveHostHeader bool
	TimeoutMs          int // 0 means "use the service default"
	Priority           int
	IsActive           bool
	Metadata           json.RawMessage
	CreatedAt          time.Time
}

// RateLimit is either a sliding-window (BurstSize == nil) or token-bucket
// (BurstSize != nil) limit, scoped to a route (ApiRouteID != nil) or global.
type RateLimit struct {
	ID             uuid.UUID
	Name           string
	ApiRouteID     *uuid.UUID
	MaxRequests    int
	WindowSeconds  int
	IdentifierType string // ip, api_key, user_id, global
	BurstSize      *int
	IsActive       bool
}

// WhitelistRule is one access-control rule, scoped to a route or global.
type WhitelistRule struct {
	ID         uuid.UUID
	RuleName   string
	RuleType   string // ip, api_key, jwt, custom
	ApiRouteID *uuid.UUID
	Config     json.RawMessage
	Priority   int
	IsActive   bool
}

// AuditRecord is a write-only denial/security event persisted by the Audit Sink.
type AuditRecord struct {
	ID               uuid.UUID
	EventType        string
	EventCategory    string
	Severity         string // info, warning, critical
	RequestMethod    string
	RequestPath      string
	ClientIP         string
	UserAgent        string
	ApiRouteID       *uuid.UUID
	BackendServiceID *uuid.UUID
	Message          string
	Metadata         json.RawMessage
	StatusCode       int
	CreatedAt        time.Time
}

// Audit event types emitted by the data plane.
const (
	EventTypeWhitelistDenied    = "whitelist_denied"
	EventTypeRateLimitExceeded  = "rate_limit_exceeded"
	EventCategoryWhitelist      = "whitelist"
	EventCategoryRateLimit      = "rate_limit"
	SeverityWarning             = "warning"
)

// GatewayMetric is a per-request metrics row persisted alongside audit
// records for observability.
type GatewayMetric struct {
	ID               uuid.UUID
	Timestamp        time.Time
	RouteID          *uuid.UUID
	Method           string
	Path             string
	StatusCode       int
	ResponseTimeMs   float64
	BackendServiceID *uuid.UUID
	ErrorMessage     string
	Metadata         json.RawMessage
}
