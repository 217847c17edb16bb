package redisqueue

import goredis "github.com/redis/go-redis/v9"

// Each script touches one job hash plus the shared wait/active/history keys so
// dedup, leasing and settlement are atomic per job.

// KEYS: job, wait
// ARGV: identity, user_id, payload, enqueued_at_ms, remove_on_success, failed_history
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'identity', ARGV[1],
  'user_id', ARGV[2],
  'payload', ARGV[3],
  'state', 'waiting',
  'attempts', '0',
  'enqueued_at', ARGV[4],
  'remove_on_success', ARGV[5],
  'failed_history', ARGV[6])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: wait, active
// ARGV: now_ms, lease_ms, worker_id, lease_token, job_key_prefix
// Job hashes are reached through job_key_prefix and are not declared in KEYS,
// which only works on a single node.
var claimScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local key = ARGV[5] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'state', 'waiting', 'lease', '', 'claimed_by', '')
    redis.call('LPUSH', KEYS[1], id)
  end
end
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[5] .. id
  if redis.call('EXISTS', key) == 1 and redis.call('HGET', key, 'state') == 'waiting' then
    local attempts = redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'state', 'active', 'lease', ARGV[4], 'claimed_by', ARGV[3])
    redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), id)
    return {id, redis.call('HGET', key, 'user_id'), redis.call('HGET', key, 'payload'), attempts}
  end
end
`)

// KEYS: job, active, completed
// ARGV: identity, lease_token, completed_record, completed_history
var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
local keep = redis.call('HGET', KEYS[1], 'remove_on_success') ~= '1'
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
if keep then
  redis.call('LPUSH', KEYS[3], ARGV[3])
  redis.call('LTRIM', KEYS[3], 0, tonumber(ARGV[4]) - 1)
end
return 1
`)

// KEYS: job, active, failed
// ARGV: identity, lease_token, failure_record
var nackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
local limit = tonumber(redis.call('HGET', KEYS[1], 'failed_history'))
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
if limit and limit > 0 then
  redis.call('LPUSH', KEYS[3], ARGV[3])
  redis.call('LTRIM', KEYS[3], 0, limit - 1)
end
return 1
`)

// KEYS: job, active
// ARGV: identity, lease_token, deadline_ms
var touchScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)
