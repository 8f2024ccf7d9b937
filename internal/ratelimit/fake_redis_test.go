package ratelimit

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// fakeScripter is a recording fake implementing the minimal redis.Scripter
// surface the limiter needs. Rather than embedding a real Lua VM, it
// recognizes the two scripts by hash and re-executes their logic directly
// in Go against an in-memory store — the same algorithm, no interpreter.
type fakeScripter struct {
	mu     sync.Mutex
	zsets  map[string][]zmember
	hashes map[string]map[string]string
	evals  int
}

type zmember struct {
	member string
	score  float64
}

func newFakeScripter() *fakeScripter {
	return &fakeScripter{
		zsets:  make(map[string][]zmember),
		hashes: make(map[string]map[string]string),
	}
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(scriptKindFor(script), keys, args)
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(scriptKindForHash(sha1), keys, args)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha1, keys, args...)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	existing := make([]bool, len(hashes))
	for i := range hashes {
		existing[i] = true
	}
	cmd.SetVal(existing)
	return cmd
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal(script)
	return cmd
}

type scriptKind int

const (
	kindUnknown scriptKind = iota
	kindSlidingWindow
	kindTokenBucket
)

func scriptKindFor(script string) scriptKind {
	switch script {
	case slidingWindowScript.Script():
		return kindSlidingWindow
	case tokenBucketScript.Script():
		return kindTokenBucket
	default:
		return kindUnknown
	}
}

func scriptKindForHash(sha1 string) scriptKind {
	switch sha1 {
	case slidingWindowScript.Hash():
		return kindSlidingWindow
	case tokenBucketScript.Hash():
		return kindTokenBucket
	default:
		return kindUnknown
	}
}

func (f *fakeScripter) run(kind scriptKind, keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals++

	cmd := redis.NewCmd(context.Background())
	key := keys[0]

	switch kind {
	case kindSlidingWindow:
		now := toF(args[0])
		window := toF(args[1])
		maxRequests := toF(args[2])
		member := args[3].(string)

		var kept []zmember
		for _, m := range f.zsets[key] {
			if m.score > now-window {
				kept = append(kept, m)
			}
		}
		count := len(kept)
		if float64(count) >= maxRequests {
			reset := now + window
			if len(kept) > 0 {
				oldest := kept[0].score
				for _, m := range kept {
					if m.score < oldest {
						oldest = m.score
					}
				}
				reset = oldest + window
			}
			f.zsets[key] = kept
			cmd.SetVal([]interface{}{int64(0), int64(0), int64(reset)})
			return cmd
		}

		kept = append(kept, zmember{member: member, score: now})
		f.zsets[key] = kept
		cmd.SetVal([]interface{}{int64(1), int64(maxRequests) - int64(count) - 1, int64(now + window)})
		return cmd

	case kindTokenBucket:
		now := toF(args[0])
		window := toF(args[1])
		maxRequests := toF(args[2])
		burstSize := toF(args[3])
		maxTokens := maxRequests + burstSize

		h := f.hashes[key]
		var tokens, lastRefill float64
		if h == nil {
			tokens = maxTokens
			lastRefill = now
		} else {
			tokens = parseF(h["tokens"])
			lastRefill = parseF(h["last_refill"])
		}

		elapsed := now - lastRefill
		if elapsed < 0 {
			elapsed = 0
		}
		refill := float64(int64(elapsed * maxRequests / window))
		tokens = minF(maxTokens, tokens+refill)

		if tokens > 0 {
			tokens--
			f.hashes[key] = map[string]string{
				"tokens":      formatF(tokens),
				"last_refill": formatF(now),
			}
			reset := now + float64(int64((maxTokens-tokens)*window/maxRequests))
			cmd.SetVal([]interface{}{int64(1), int64(tokens), int64(reset)})
			return cmd
		}

		f.hashes[key] = map[string]string{
			"tokens":      formatF(tokens),
			"last_refill": formatF(lastRefill),
		}
		reset := now + float64(int64(window/maxRequests))
		cmd.SetVal([]interface{}{int64(0), int64(0), int64(reset)})
		return cmd
	}

	cmd.SetErr(redis.Nil)
	return cmd
}

// brokenScripter simulates a KV store that is unreachable, for asserting
// the limiter fails closed rather than implicitly allowing traffic.
type brokenScripter struct{}

func (brokenScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(errConnRefused)
	return cmd
}

func (b brokenScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return b.Eval(ctx, script, keys, args...)
}

func (brokenScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(errConnRefused)
	return cmd
}

func (b brokenScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return b.EvalSha(ctx, sha1, keys, args...)
}

func (brokenScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetErr(errConnRefused)
	return cmd
}

func (brokenScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(errConnRefused)
	return cmd
}

var errConnRefused = redis.ErrClosed

func toF(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatF(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
