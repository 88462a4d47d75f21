package redisstore

import "github.com/redis/go-redis/v9"

// incrementScript counts one request and returns {count, pttl}.
// KEYS[1]: counter key
// ARGV[1]: window length in milliseconds
//
// The key's expiry is the window: it is set on the first hit only, so the
// window never slides, and redis drops the key at ResetAt which makes the next
// INCR start a new window at 1. A key left without a TTL gets one again.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// getOrCreateScript returns {count, pttl} without counting, starting an empty
// window if the key does not exist.
// KEYS[1]: counter key
// ARGV[1]: window length in milliseconds
var getOrCreateScript = redis.NewScript(`
redis.call("SET", KEYS[1], 0, "PX", ARGV[1], "NX")
local count = tonumber(redis.call("GET", KEYS[1])) or 0
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)
