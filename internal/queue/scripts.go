package queue

import "github.com/redis/go-redis/v9"

// The task record is a Redis hash so these scripts can mutate the scalar
// lifecycle fields (status, attempt, owner_worker_id, priority, updated_at,
// error) in place. The opaque JSON fields — payload, result, dependencies —
// are stored as raw strings and pass through Lua untouched: cjson encodes an
// empty table as an array, so round-tripping a whole record through
// decode/encode would corrupt empty objects. The only JSON Lua ever parses
// is the dependencies id list, and it is never re-encoded.

// claimScript is the correctness-critical operation of the subsystem: it
// selects the best eligible pending task across the accepted type queues and
// claims it in a single atomic step, so no two workers can ever hold the same
// task.
//
// KEYS: pending keys for each accepted type, then the matching in-flight keys
// (same order, same count).
// ARGV[1] = now (unix millis), ARGV[2] = worker id, ARGV[3] = task key prefix,
// ARGV[4] = candidates inspected per type when skipping dependency-blocked
// tasks.
//
// Eligibility: status pending and every declared dependency completed. Rank is
// the ZSET score, priority*1e13 + created_at millis, so the global winner
// respects priority-then-FIFO order even across type queues.
//
// Returns the claimed record as an HGETALL-style field/value array, or nil.
var claimScript = redis.NewScript(`
local n = #KEYS / 2
local limit = tonumber(ARGV[4])
local best = nil
local bestScore = nil
local bestIdx = nil

for i = 1, n do
  local cands = redis.call('ZRANGE', KEYS[i], 0, limit - 1, 'WITHSCORES')
  for j = 1, #cands, 2 do
    local id = cands[j]
    local score = tonumber(cands[j + 1])
    local status = redis.call('HGET', ARGV[3] .. id, 'status')
    if not status then
      redis.call('ZREM', KEYS[i], id)
    else
      local ok = status == 'pending'
      if ok then
        local deps = redis.call('HGET', ARGV[3] .. id, 'dependencies')
        if deps and deps ~= '' then
          for _, dep in ipairs(cjson.decode(deps)) do
            if redis.call('HGET', ARGV[3] .. dep, 'status') ~= 'completed' then
              ok = false
              break
            end
          end
        end
      end
      if ok then
        if bestScore == nil or score < bestScore then
          best = id
          bestScore = score
          bestIdx = i
        end
        break
      end
    end
  end
end

if not best then
  return nil
end

local key = ARGV[3] .. best
redis.call('HSET', key, 'status', 'in_progress', 'owner_worker_id', ARGV[2], 'updated_at', ARGV[1])
redis.call('HINCRBY', key, 'attempt', 1)
redis.call('ZREM', KEYS[bestIdx], best)
redis.call('ZADD', KEYS[n + bestIdx], tonumber(ARGV[1]), best)
return redis.call('HGETALL', key)
`)

// completeScript transitions an in_progress task to completed, but only for
// its current owner. Any other call is a no-op returning 0. The result JSON
// arrives pre-encoded and is stored verbatim.
//
// KEYS[1] = task key, KEYS[2] = in-flight key, KEYS[3] = completed key.
// ARGV[1] = task id, ARGV[2] = worker id, ARGV[3] = result JSON,
// ARGV[4] = now millis.
var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in_progress' or redis.call('HGET', KEYS[1], 'owner_worker_id') ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[3], 'updated_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'owner_worker_id', 'error')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[1])
return 1
`)

// failScript applies the retry policy: an owner-reported retryable failure
// with attempts remaining re-queues the task as pending with its priority
// boosted by one rank so retries are not starved behind fresh low-priority
// work. Anything else dead-letters it. Non-owner or non-in_progress calls are
// no-ops.
//
// KEYS[1] = task key, KEYS[2] = in-flight key, KEYS[3] = pending key,
// KEYS[4] = dead key.
// ARGV[1] = task id, ARGV[2] = worker id, ARGV[3] = error message,
// ARGV[4] = retryable ("1"/"0"), ARGV[5] = now millis.
// Returns "requeued", "dead", or "invalid".
var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in_progress' or redis.call('HGET', KEYS[1], 'owner_worker_id') ~= ARGV[2] then
  return 'invalid'
end
redis.call('HSET', KEYS[1], 'error', ARGV[3], 'updated_at', ARGV[5])
redis.call('HDEL', KEYS[1], 'owner_worker_id')
local attempt = tonumber(redis.call('HGET', KEYS[1], 'attempt'))
local maxAttempts = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
if ARGV[4] == '1' and attempt < maxAttempts then
  local priority = redis.call('HINCRBY', KEYS[1], 'priority', -1)
  local createdAt = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
  redis.call('HSET', KEYS[1], 'status', 'pending')
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('ZADD', KEYS[3], priority * 1e13 + createdAt, ARGV[1])
  return 'requeued'
end
redis.call('HSET', KEYS[1], 'status', 'dead')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[4], tonumber(ARGV[5]), ARGV[1])
return 'dead'
`)
