// Package ratelimit implements the distributed Rate Limiter (§4.5): a
// sliding-window algorithm for limits with no burst_size, and a token-bucket
// algorithm for limits that declare one, both backed by a shared Redis-
// compatible KV store via Lua scripts for atomicity. A KV-store error is
// always surfaced as a transport failure — it never implicitly allows
// traffic, which is a deliberate deviation from fail-open designs.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wudi/karateway/internal/model"
	"github.com/wudi/karateway/internal/snapshot"
	"github.com/wudi/karateway/internal/whitelist"
)

// Decision is the outcome of evaluating one limit.
type Decision struct {
	Allowed        bool
	Remaining      int
	ResetUnix      int64
	LimitName      string
	WindowSecs     int
	MaxRequests    int
	Identifier     string
	IdentifierType string
}

// Limiter evaluates sliding-window and token-bucket limits against Redis.
// redis.Scripter is go-redis's own minimal interface for Eval-capable
// clients, which lets tests substitute a recording fake instead of a live
// Redis server.
type Limiter struct {
	client redis.Scripter
}

// New wraps a Redis-compatible client. A nil Limiter is valid and means
// "unconfigured" — callers must skip rate limiting entirely in that case
// per §4.5 Failure.
func New(client redis.Scripter) *Limiter {
	return &Limiter{client: client}
}

// nowFunc is overridable in tests.
var nowFunc = func() int64 { return time.Now().Unix() }

// CheckAll evaluates the union of route-scoped and global limits for
// routeID in snapshot order, denying on the first limit that denies.
// A transport error aborts immediately and must translate to a 500
// (errors.ErrLimiterTransport) at the caller — it is never treated as an
// implicit allow.
func (l *Limiter) CheckAll(ctx context.Context, snap *snapshot.Snapshot, routeID uuid.UUID, req *http.Request) (*Decision, error) {
	for _, limit := range snap.RateLimitsFor(routeID) {
		identifier := extractIdentifier(limit.IdentifierType, req)
		key := buildKey(limit, routeID, identifier)

		var (
			d   *Decision
			err error
		)
		if limit.BurstSize != nil {
			d, err = l.checkTokenBucket(ctx, key, limit)
		} else {
			d, err = l.checkSlidingWindow(ctx, key, limit)
		}
		if err != nil {
			return nil, fmt.Errorf("rate limiter transport error: %w", err)
		}
		d.LimitName = limit.Name
		d.WindowSecs = limit.WindowSeconds
		d.MaxRequests = limit.MaxRequests
		d.Identifier = identifier
		d.IdentifierType = limit.IdentifierType

		if !d.Allowed {
			return d, nil
		}
	}
	return &Decision{Allowed: true}, nil
}

func extractIdentifier(identifierType string, req *http.Request) string {
	switch identifierType {
	case "ip":
		return whitelist.ClientIP(req)
	case "api_key":
		if key := req.Header.Get("X-API-Key"); key != "" {
			return key
		}
		return "no-api-key"
	case "user_id":
		if uid := req.Header.Get("X-User-ID"); uid != "" {
			return uid
		}
		return "no-user-id"
	default: // "global"
		return "global"
	}
}

func buildKey(limit model.RateLimit, routeID uuid.UUID, identifier string) string {
	prefix := "ratelimit"
	if limit.BurstSize != nil {
		prefix = "ratelimit:bucket"
	}
	return fmt.Sprintf("%s:%s:%s:%s", prefix, routeID.String(), limit.IdentifierType, identifier)
}

func (l *Limiter) checkSlidingWindow(ctx context.Context, key string, limit model.RateLimit) (*Decision, error) {
	now := nowFunc()
	member := uuid.New().String()

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		now, limit.WindowSeconds, limit.MaxRequests, member).Result()
	if err != nil {
		return nil, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected sliding window script result: %v", res)
	}
	return &Decision{
		Allowed:   toInt64(vals[0]) == 1,
		Remaining: int(toInt64(vals[1])),
		ResetUnix: toInt64(vals[2]),
	}, nil
}

func (l *Limiter) checkTokenBucket(ctx context.Context, key string, limit model.RateLimit) (*Decision, error) {
	now := nowFunc()
	burstSize := 0
	if limit.BurstSize != nil {
		burstSize = *limit.BurstSize
	}

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		now, limit.WindowSeconds, limit.MaxRequests, burstSize).Result()
	if err != nil {
		return nil, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return nil, fmt.Errorf("unexpected token bucket script result: %v", res)
	}
	return &Decision{
		Allowed:   toInt64(vals[0]) == 1,
		Remaining: int(toInt64(vals[1])),
		ResetUnix: toInt64(vals[2]),
	}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
