package redisq

import "github.com/redis/go-redis/v9"

// Key layout under <prefix>:<queue>:
//
//	id        counter for job ids and FIFO sequence
//	wait      zset, score = priority<<32 | seq
//	delayed   zset, score = ready-at (unix ms)
//	active    zset, score = lock deadline (unix ms)
//	completed zset, score = finished-at (unix ms), trimmed to keep
//	failed    zset, score = failed-at (unix ms), trimmed to keep
//	job:<id>  hash: payload priority wscore attempts max enqueued reason finished
//
// Scores are computed by the caller and passed through as strings; the
// scripts never do arithmetic on them.

// publishScript stores a job and puts it on the wait or delayed set.
//
// KEYS: wait delayed jobprefix
// ARGV: id payload priority wscore max enqueued readyAt ("" for no delay)
var publishScript = redis.NewScript(`
local jk = KEYS[3] .. ARGV[1]
redis.call('HSET', jk, 'payload', ARGV[2], 'priority', ARGV[3], 'wscore', ARGV[4],
  'attempts', '0', 'max', ARGV[5], 'enqueued', ARGV[6])
if ARGV[7] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
else
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
end
return 1
`)

// fetchScript promotes due delayed jobs, returns stalled active jobs to the
// wait set, then moves the head of the wait set to active.
//
// KEYS: wait active delayed jobprefix
// ARGV: now lockDeadline
var fetchScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  local ws = redis.call('HGET', KEYS[4] .. id, 'wscore')
  if ws then redis.call('ZADD', KEYS[1], ws, id) end
end
local stalled = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[2], id)
  local ws = redis.call('HGET', KEYS[4] .. id, 'wscore')
  if ws then redis.call('ZADD', KEYS[1], ws, id) end
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
local jk = KEYS[4] .. id
if redis.call('EXISTS', jk) == 0 then return false end
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HINCRBY', jk, 'attempts', 1)
local f = redis.call('HMGET', jk, 'payload', 'attempts', 'priority', 'max', 'enqueued')
return {id, f[1], f[2], f[3], f[4], f[5]}
`)

// ackScript moves an active job to completed and trims the history. It
// returns 0 when the job was no longer active.
//
// KEYS: active completed jobprefix
// ARGV: id now trimStop
var ackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3] .. ARGV[1], 'finished', ARGV[2])
local old = redis.call('ZRANGE', KEYS[2], 0, ARGV[3])
for _, id in ipairs(old) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('DEL', KEYS[3] .. id)
end
return 1
`)

// retryScript moves an active job to the delayed set.
//
// KEYS: active delayed jobprefix
// ARGV: id readyAt reason
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3] .. ARGV[1], 'reason', ARGV[3])
return 1
`)

// failScript moves an active job to the failed sideline and trims it.
//
// KEYS: active failed jobprefix
// ARGV: id now reason trimStop
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3] .. ARGV[1], 'reason', ARGV[3], 'finished', ARGV[2])
local old = redis.call('ZRANGE', KEYS[2], 0, ARGV[4])
for _, id in ipairs(old) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('DEL', KEYS[3] .. id)
end
return 1
`)

// releaseScript hands an active job back to the wait set without consuming
// an attempt.
//
// KEYS: active wait jobprefix
// ARGV: id
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local jk = KEYS[3] .. ARGV[1]
redis.call('HINCRBY', jk, 'attempts', -1)
redis.call('ZADD', KEYS[2], redis.call('HGET', jk, 'wscore'), ARGV[1])
return 1
`)

// retryFailedScript moves a failed job back to the wait set with a fresh
// attempt budget.
//
// KEYS: failed wait jobprefix
// ARGV: id
var retryFailedScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local jk = KEYS[3] .. ARGV[1]
redis.call('HSET', jk, 'attempts', '0')
redis.call('HDEL', jk, 'reason', 'finished')
redis.call('ZADD', KEYS[2], redis.call('HGET', jk, 'wscore'), ARGV[1])
return 1
`)

// removeFailedScript deletes a failed job.
//
// KEYS: failed jobprefix
// ARGV: id
var removeFailedScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('DEL', KEYS[2] .. ARGV[1])
return 1
`)
