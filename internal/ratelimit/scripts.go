package ratelimit

import "github.com/redis/go-redis/v9"

// slidingWindowScript implements §4.5's sliding-window algorithm atomically:
// evict expired members, count, deny or admit-and-insert.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= max_requests then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	else
		reset = now + window
	end
	return {0, 0, reset}
end

redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, window + 60)
return {1, max_requests - count - 1, now + window}
`)

// tokenBucketScript implements §4.5's token-bucket algorithm atomically:
// lazy refill on read, decrement on admit.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local burst_size = tonumber(ARGV[4])
local max_tokens = max_requests + burst_size

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))
if tokens == nil then
	tokens = max_tokens
	last_refill = now
end

local elapsed = now - last_refill
if elapsed < 0 then
	elapsed = 0
end
local refill = math.floor(elapsed * max_requests / window)
tokens = math.min(max_tokens, tokens + refill)

if tokens > 0 then
	tokens = tokens - 1
	redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
	redis.call('EXPIRE', key, window * 2)
	local reset = now + math.floor((max_tokens - tokens) * window / max_requests)
	return {1, tokens, reset}
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', last_refill)
redis.call('EXPIRE', key, window * 2)
local reset = now + math.floor(window / max_requests)
return {0, 0, reset}
`)
