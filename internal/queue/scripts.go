package queue

import "github.com/redis/go-redis/v9"

// Every state transition runs as one script so concurrent workers and API
// processes observe it atomically. Job hashes live at {prefix}:job:<id>, in
// the same cluster slot as the declared keys. Waiting members are
// "<seq, 19 digits>:<id>" so ties on score keep enqueue order.

var enqueueScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
local jobKey = ARGV[1] .. ':job:' .. ARGV[2]
redis.call('HSET', jobKey,
  'id', ARGV[2],
  'payload', ARGV[3],
  'state', 'waiting',
  'delay_until', ARGV[4],
  'enqueued_at', ARGV[5],
  'seq', seq,
  'attempts_made', 0,
  'max_attempts', ARGV[6],
  'stalled_count', 0)
redis.call('ZADD', KEYS[2], ARGV[4], string.format('%019d', seq) .. ':' .. ARGV[2])
return seq
`)

var claimScript = redis.NewScript(`
while true do
  local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 1)
  if #items == 0 then
    return false
  end
  local member = items[1]
  redis.call('ZREM', KEYS[1], member)
  local id = string.sub(member, 21)
  local jobKey = ARGV[1] .. ':job:' .. id
  if redis.call('HGET', jobKey, 'state') == 'waiting' then
    redis.call('HSET', jobKey, 'state', 'active', 'processed_at', ARGV[2], 'token', ARGV[4])
    redis.call('HINCRBY', jobKey, 'attempts_made', 1)
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    return redis.call('HGETALL', jobKey)
  end
end
`)

var extendLockScript = redis.NewScript(`
local jobKey = ARGV[1] .. ':job:' .. ARGV[2]
if redis.call('HGET', jobKey, 'state') ~= 'active' or redis.call('HGET', jobKey, 'token') ~= ARGV[3] then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[4], ARGV[2])
return 1
`)

var completeScript = redis.NewScript(`
local jobKey = ARGV[1] .. ':job:' .. ARGV[2]
if redis.call('HGET', jobKey, 'state') ~= 'active' or redis.call('HGET', jobKey, 'token') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
redis.call('HSET', jobKey, 'state', 'completed', 'finished_at', ARGV[4], 'result', ARGV[5])
redis.call('HDEL', jobKey, 'token')
return 1
`)

var failScript = redis.NewScript(`
local jobKey = ARGV[1] .. ':job:' .. ARGV[2]
if redis.call('HGET', jobKey, 'state') ~= 'active' or redis.call('HGET', jobKey, 'token') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HDEL', jobKey, 'token')
if tonumber(ARGV[6]) > 0 then
  local seq = tonumber(redis.call('HGET', jobKey, 'seq'))
  redis.call('HSET', jobKey, 'state', 'waiting', 'delay_until', ARGV[6], 'failed_reason', ARGV[5])
  redis.call('ZADD', KEYS[3], ARGV[6], string.format('%019d', seq) .. ':' .. ARGV[2])
  return 2
end
redis.call('HSET', jobKey, 'state', 'failed', 'finished_at', ARGV[4], 'failed_reason', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
return 1
`)

var cancelScript = redis.NewScript(`
local jobKey = ARGV[1] .. ':job:' .. ARGV[2]
local state = redis.call('HGET', jobKey, 'state')
if state == 'active' then
  return -1
end
if state ~= 'waiting' then
  return 0
end
local seq = tonumber(redis.call('HGET', jobKey, 'seq'))
redis.call('ZREM', KEYS[1], string.format('%019d', seq) .. ':' .. ARGV[2])
redis.call('HSET', jobKey, 'state', 'removed', 'finished_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
return 1
`)

var recoverStalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local recovered = {}
local failed = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[1] .. ':job:' .. id
  if redis.call('HGET', jobKey, 'state') == 'active' then
    local stalled = redis.call('HINCRBY', jobKey, 'stalled_count', 1)
    redis.call('HDEL', jobKey, 'token')
    if stalled > tonumber(ARGV[3]) then
      redis.call('HSET', jobKey, 'state', 'failed', 'finished_at', ARGV[2], 'failed_reason', ARGV[4])
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      table.insert(failed, id)
    else
      local seq = tonumber(redis.call('HGET', jobKey, 'seq'))
      local delayUntil = redis.call('HGET', jobKey, 'delay_until')
      redis.call('HSET', jobKey, 'state', 'waiting')
      redis.call('ZADD', KEYS[2], delayUntil, string.format('%019d', seq) .. ':' .. id)
      table.insert(recovered, id)
    end
  end
end
return {recovered, failed}
`)

var cleanScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. ':job:' .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)
