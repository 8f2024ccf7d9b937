// Package store is the Config Store Adapter: it reads BackendService,
// ApiRoute, RateLimit and WhitelistRule rows from the relational store the
// data plane treats as a strict consumer (§3, §4.1 steps 1-2). Schema
// ownership, migrations and CRUD writes belong to the admin plane.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wudi/karateway/internal/logging"
	"github.com/wudi/karateway/internal/model"
)

// Store wraps a pgxpool connection pool used for config-store reads and for
// the audit_log and gateway_metrics writes.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for the audit writer and metrics sink,
// which share the same connection budget rather than opening their own pools.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// LoadAll enumerates every row of every config table the Snapshot needs.
// Inactive rows are returned alongside active ones; filtering is the
// caller's responsibility per §4.1 step (2).
func (s *Store) LoadAll(ctx context.Context) (services []model.BackendService, routes []model.ApiRoute, rateLimits []model.RateLimit, whitelistRules []model.WhitelistRule, err error) {
	services, err = s.loadServices(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load backend_services: %w", err)
	}
	routes, err = s.loadRoutes(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load api_routes: %w", err)
	}
	rateLimits, err = s.loadRateLimits(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load rate_limits: %w", err)
	}
	whitelistRules, err = s.loadWhitelistRules(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load whitelist_rules: %w", err)
	}
	return services, routes, rateLimits, whitelistRules, nil
}

func (s *Store) loadServices(ctx context.Context) ([]model.BackendService, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, base_url, COALESCE(health_check_url, ''),
		       health_check_interval_seconds, timeout_ms, is_active
		FROM backend_services`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BackendService
	for rows.Next() {
		var svc model.BackendService
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.BaseURL, &svc.HealthCheckURL,
			&svc.HealthCheckIntervalSeconds, &svc.TimeoutMs, &svc.IsActive); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *Store) loadRoutes(ctx context.Context) ([]model.ApiRoute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path_pattern, method, backend_service_id, strip_path_prefix,
		       preserve_host_header, timeout_ms, priority, is_active, metadata, created_at
		FROM api_routes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ApiRoute
	for rows.Next() {
		var r model.ApiRoute
		if err := rows.Scan(&r.ID, &r.PathPattern, &r.Method, &r.BackendServiceID,
			&r.StripPathPrefix, &r.PreserveHostHeader, &r.TimeoutMs, &r.Priority,
			&r.IsActive, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) loadRateLimits(ctx context.Context) ([]model.RateLimit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, api_route_id, max_requests, window_seconds,
		       identifier_type, burst_size, is_active
		FROM rate_limits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RateLimit
	for rows.Next() {
		var rl model.RateLimit
		var routeID *uuid.UUID
		if err := rows.Scan(&rl.ID, &rl.Name, &routeID, &rl.MaxRequests, &rl.WindowSeconds,
			&rl.IdentifierType, &rl.BurstSize, &rl.IsActive); err != nil {
			return nil, err
		}
		rl.ApiRouteID = routeID
		out = append(out, rl)
	}
	return out, rows.Err()
}

func (s *Store) loadWhitelistRules(ctx context.Context) ([]model.WhitelistRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_name, rule_type, api_route_id, config, priority, is_active
		FROM whitelist_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WhitelistRule
	for rows.Next() {
		var wr model.WhitelistRule
		var routeID *uuid.UUID
		if err := rows.Scan(&wr.ID, &wr.RuleName, &wr.RuleType, &routeID, &wr.Config,
			&wr.Priority, &wr.IsActive); err != nil {
			return nil, err
		}
		wr.ApiRouteID = routeID
		out = append(out, wr)
	}
	return out, rows.Err()
}

// Notify issues a LISTEN on channel over a dedicated connection, used by
// internal/configloader's opportunistic reload fast path. The returned
// pgxpool.Conn must be released by the caller once the listener stops.
func (s *Store) Notify(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgxQuoteIdent(channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	logging.Info("subscribed to config notify channel")
	return conn, nil
}

// pgxQuoteIdent double-quotes a Postgres identifier for use in LISTEN/NOTIFY,
// where the channel name cannot be passed as a bind parameter.
func pgxQuoteIdent(ident string) string {
	return `"` + ident + `"`
}

// WriteAuditRecord persists one denial/security event (§4.6). It satisfies
// internal/audit.Writer, sharing this Store's pool rather than opening a
// separate one for the write-only audit path.
func (s *Store) WriteAuditRecord(ctx context.Context, rec model.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, event_type, event_category, severity, request_method, request_path,
			client_ip, user_agent, api_route_id, backend_service_id, message,
			metadata, status_code, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.EventType, rec.EventCategory, rec.Severity, rec.RequestMethod, rec.RequestPath,
		rec.ClientIP, rec.UserAgent, rec.ApiRouteID, rec.BackendServiceID, rec.Message,
		rec.Metadata, rec.StatusCode, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit_log: %w", err)
	}
	return nil
}

// WriteGatewayMetric persists one per-request metrics row.
func (s *Store) WriteGatewayMetric(ctx context.Context, m model.GatewayMetric) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway_metrics (
			id, timestamp, route_id, method, path, status_code,
			response_time_ms, backend_service_id, error_message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.Timestamp, m.RouteID, m.Method, m.Path, m.StatusCode,
		m.ResponseTimeMs, m.BackendServiceID, m.ErrorMessage, m.Metadata)
	if err != nil {
		return fmt.Errorf("insert gateway_metrics: %w", err)
	}
	return nil
}
