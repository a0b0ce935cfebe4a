package store

import "github.com/redis/go-redis/v9"

// Server-side transitions. Every script returns a single JSON string decoded
// by the wrappers in scripts.go, and never leaves partial state behind: a
// script either performs the whole transition or returns ok=false having
// written nothing.
//
// Task keys are derived from the cb: prefix passed in ARGV because claim and
// reassign discover task ids at runtime; the deployment is single-shard so
// derived keys stay on the node executing the script.

var luaScripts = map[string]*redis.Script{
	ScriptTaskCreate: redis.NewScript(`
-- KEYS: task, pending zset, seq counter
-- ARGV: taskId, text, priority, createdAtMs, metadataJson
if redis.call('EXISTS', KEYS[1]) == 1 then
  return cjson.encode({ok=false, err='task already exists'})
end
local seq = redis.call('INCR', KEYS[3])
local score = tonumber(ARGV[3]) * 1e10 + (1e10 - seq)
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'text', ARGV[2], 'status', 'pending',
  'priority', ARGV[3], 'assignedTo', '', 'result', '', 'error', '',
  'createdAt', ARGV[4], 'updatedAt', ARGV[4], 'completedAt', '',
  'claimedAt', '', 'metadata', ARGV[5])
redis.call('ZADD', KEYS[2], score, ARGV[1])
return cjson.encode({ok=true, id=ARGV[1]})
`),

	ScriptTaskClaim: redis.NewScript(`
-- KEYS: pending zset, worker list, assignment history
-- ARGV: workerId, nowMs, keyPrefix
-- Pages through the zset so a run of denied entries cannot hide eligible
-- work further down the queue.
local offset = 0
while true do
  local ids = redis.call('ZRANGE', KEYS[1], offset, offset + 49, 'REV')
  if #ids == 0 then break end
  for _, id in ipairs(ids) do
    local tkey = ARGV[3] .. 'task:' .. id
    local denied = false
    local meta = redis.call('HGET', tkey, 'metadata')
    if meta and meta ~= '' then
      local okd, m = pcall(cjson.decode, meta)
      if okd and type(m) == 'table' and m.denyList then
        for _, w in ipairs(m.denyList) do
          if w == ARGV[1] then denied = true break end
        end
      end
    end
    if not denied then
      redis.call('ZREM', KEYS[1], id)
      redis.call('HSET', tkey, 'status', 'in_progress', 'assignedTo', ARGV[1],
        'claimedAt', ARGV[2], 'updatedAt', ARGV[2])
      redis.call('RPUSH', KEYS[2], id)
      redis.call('RPUSH', KEYS[3], cjson.encode({taskId=id, workerId=ARGV[1], at=tonumber(ARGV[2])}))
      redis.call('LTRIM', KEYS[3], -1000, -1)
      local flat = redis.call('HGETALL', tkey)
      local task = {}
      for i = 1, #flat, 2 do task[flat[i]] = flat[i+1] end
      return cjson.encode({claimed=true, taskId=id, task=task})
    end
  end
  offset = offset + 50
end
return cjson.encode({claimed=false})
`),

	ScriptTaskComplete: redis.NewScript(`
-- KEYS: task, global metrics hash
-- ARGV: taskId, resultJson ('' when absent), completedAtMs, durationMs, keyPrefix
if redis.call('EXISTS', KEYS[1]) == 0 then
  return cjson.encode({ok=false, err='task not found'})
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'in_progress' then
  return cjson.encode({ok=false, err='task is ' .. status .. ', not in_progress'})
end
local worker = redis.call('HGET', KEYS[1], 'assignedTo')
local final = 'failed'
if ARGV[2] ~= '' then final = 'completed' end
redis.call('HSET', KEYS[1], 'status', final, 'result', ARGV[2],
  'completedAt', ARGV[3], 'updatedAt', ARGV[3], 'durationMs', ARGV[4])
if worker and worker ~= '' then
  redis.call('LREM', ARGV[5] .. 'queue:instance:' .. worker, 1, ARGV[1])
end
redis.call('HINCRBY', KEYS[2], 'tasksCompleted', 1)
redis.call('HINCRBY', KEYS[2], 'taskDurationMsTotal', tonumber(ARGV[4]))
if final == 'failed' then redis.call('HINCRBY', KEYS[2], 'tasksFailed', 1) end
return cjson.encode({ok=true, status=final})
`),

	ScriptTaskUpdate: redis.NewScript(`
-- KEYS: task, pending zset
-- ARGV: taskId, updatesJson, updatedAtMs
if redis.call('EXISTS', KEYS[1]) == 0 then
  return cjson.encode({ok=false, err='task not found'})
end
local updates = cjson.decode(ARGV[2])
local status = redis.call('HGET', KEYS[1], 'status')
if updates.status and updates.status ~= status then
  local allowed = false
  if status == 'pending' and updates.status == 'in_progress' then allowed = true end
  if status == 'in_progress' and (updates.status == 'completed' or updates.status == 'failed') then allowed = true end
  if not allowed then
    return cjson.encode({ok=false, err='invalid transition ' .. status .. ' -> ' .. updates.status})
  end
  redis.call('HSET', KEYS[1], 'status', updates.status)
  if updates.status ~= 'pending' then redis.call('ZREM', KEYS[2], ARGV[1]) end
end
if updates.text then redis.call('HSET', KEYS[1], 'text', updates.text) end
if updates.metadata then redis.call('HSET', KEYS[1], 'metadata', cjson.encode(updates.metadata)) end
if updates.priority then
  redis.call('HSET', KEYS[1], 'priority', updates.priority)
  local old = redis.call('ZSCORE', KEYS[2], ARGV[1])
  if old then
    -- keep the original insertion order inside the new priority band
    local seqpart = tonumber(old) % 1e10
    redis.call('ZADD', KEYS[2], tonumber(updates.priority) * 1e10 + seqpart, ARGV[1])
  end
end
redis.call('HSET', KEYS[1], 'updatedAt', ARGV[3])
return cjson.encode({ok=true, id=ARGV[1]})
`),

	ScriptTaskReassign: redis.NewScript(`
-- KEYS: task, pending zset, seq counter
-- ARGV: taskId, targetWorker ('' to requeue), reason, nowMs, keyPrefix
if redis.call('EXISTS', KEYS[1]) == 0 then
  return cjson.encode({ok=false, err='task not found'})
end
local worker = redis.call('HGET', KEYS[1], 'assignedTo')
if worker and worker ~= '' then
  redis.call('LREM', ARGV[5] .. 'queue:instance:' .. worker, 1, ARGV[1])
end
local meta = redis.call('HGET', KEYS[1], 'metadata')
local m = {}
if meta and meta ~= '' then
  local okd, decoded = pcall(cjson.decode, meta)
  if okd and type(decoded) == 'table' then m = decoded end
end
m.reassignReason = ARGV[3]
redis.call('HSET', KEYS[1], 'metadata', cjson.encode(m), 'updatedAt', ARGV[4])
if ARGV[2] == '' then
  local seq = redis.call('INCR', KEYS[3])
  local priority = tonumber(redis.call('HGET', KEYS[1], 'priority'))
  redis.call('HSET', KEYS[1], 'status', 'pending', 'assignedTo', '', 'claimedAt', '')
  redis.call('ZADD', KEYS[2], priority * 1e10 + (1e10 - seq), ARGV[1])
  return cjson.encode({ok=true, target=''})
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'in_progress', 'assignedTo', ARGV[2], 'claimedAt', ARGV[4])
redis.call('RPUSH', ARGV[5] .. 'queue:instance:' .. ARGV[2], ARGV[1])
return cjson.encode({ok=true, target=ARGV[2]})
`),

	ScriptCheckDelayedTasks: redis.NewScript(`
-- KEYS: pending zset
-- ARGV: nowMs, delayMs, maxTasks, keyPrefix
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local out = {}
-- Scans the top 200 by priority; the sweep is periodic, so deeper entries
-- surface on later passes once the head drains.
local ids = redis.call('ZRANGE', KEYS[1], 0, 199, 'REV')
for _, id in ipairs(ids) do
  if #out >= max then break end
  local tkey = ARGV[4] .. 'task:' .. id
  local created = tonumber(redis.call('HGET', tkey, 'createdAt'))
  local assignee = redis.call('HGET', tkey, 'assignedTo')
  if created and created < cutoff and (not assignee or assignee == '') then
    out[#out + 1] = id
  end
end
if #out == 0 then
  -- cjson renders an empty Lua table as {}, not []
  return '{"tasks":[]}'
end
return cjson.encode({tasks=out})
`),

	ScriptAutoAssignTasks: redis.NewScript(`
-- KEYS: pending zset, worker list
-- ARGV: workerId, nowMs, cap, keyPrefix
local cap = tonumber(ARGV[3])
local assigned = 0
local offset = 0
while assigned < cap do
  -- Denied entries stay in the zset, so step past them instead of stopping;
  -- assigned entries are removed and the next candidate slides into place.
  local top = redis.call('ZRANGE', KEYS[1], offset, offset, 'REV')
  if #top == 0 then break end
  local id = top[1]
  local tkey = ARGV[4] .. 'task:' .. id
  local denied = false
  local meta = redis.call('HGET', tkey, 'metadata')
  if meta and meta ~= '' then
    local okd, m = pcall(cjson.decode, meta)
    if okd and type(m) == 'table' and m.denyList then
      for _, w in ipairs(m.denyList) do
        if w == ARGV[1] then denied = true break end
      end
    end
  end
  if denied then
    offset = offset + 1
  else
    redis.call('ZREM', KEYS[1], id)
    redis.call('HSET', tkey, 'status', 'in_progress', 'assignedTo', ARGV[1],
      'claimedAt', ARGV[2], 'updatedAt', ARGV[2])
    redis.call('RPUSH', KEYS[2], id)
    assigned = assigned + 1
  end
end
return cjson.encode({assigned=assigned, total=redis.call('ZCARD', KEYS[1])})
`),

	ScriptInstanceRegister: redis.NewScript(`
-- KEYS: instance, active set, leader lease
-- ARGV: instanceId, rolesJson, nowMs, ttlMs
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'roles', ARGV[2], 'status', 'ACTIVE',
  'registeredAt', ARGV[3], 'lastHeartbeat', ARGV[3], 'ttlMs', ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
redis.call('SADD', KEYS[2], ARGV[1])
local became = redis.call('SET', KEYS[3], ARGV[1], 'NX', 'PX', tonumber(ARGV[4]) * 2)
return cjson.encode({ok=true, becameLeader=(became ~= false)})
`),

	ScriptInstanceHeartbeat: redis.NewScript(`
-- KEYS: instance, gossip hash, leader lease, active set
-- ARGV: instanceId, nowMs, ttlMs, isoNow
if redis.call('EXISTS', KEYS[1]) == 0 then
  return cjson.encode({ok=false, err='instance not registered'})
end
redis.call('HSET', KEYS[1], 'lastHeartbeat', ARGV[2])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], cjson.encode({status='healthy', at=tonumber(ARGV[2]), iso=ARGV[4]}))
local leader = redis.call('GET', KEYS[3])
local isLeader = false
if leader == ARGV[1] then
  redis.call('PEXPIRE', KEYS[3], tonumber(ARGV[3]) * 2)
  isLeader = true
elseif not leader then
  isLeader = (redis.call('SET', KEYS[3], ARGV[1], 'NX', 'PX', tonumber(ARGV[3]) * 2) ~= false)
end
return cjson.encode({ok=true, isLeader=isLeader})
`),

	ScriptReassignFailedTasks: redis.NewScript(`
-- KEYS: failed worker list, pending zset, seq counter, active set, failed instance
-- ARGV: failedInstanceId, nowMs, reason, keyPrefix
local reassigned = 0
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local tkey = ARGV[4] .. 'task:' .. id
  if redis.call('EXISTS', tkey) == 1 and redis.call('HGET', tkey, 'status') == 'in_progress' then
    local meta = redis.call('HGET', tkey, 'metadata')
    local m = {}
    if meta and meta ~= '' then
      local okd, decoded = pcall(cjson.decode, meta)
      if okd and type(decoded) == 'table' then m = decoded end
    end
    m.reassignReason = ARGV[3]
    local seq = redis.call('INCR', KEYS[3])
    local priority = tonumber(redis.call('HGET', tkey, 'priority'))
    redis.call('HSET', tkey, 'status', 'pending', 'assignedTo', '', 'claimedAt', '',
      'metadata', cjson.encode(m), 'updatedAt', ARGV[2])
    redis.call('ZADD', KEYS[2], priority * 1e10 + (1e10 - seq), id)
    reassigned = reassigned + 1
  end
end
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[5])
return cjson.encode({reassigned=reassigned, healthyWorkers=redis.call('SCARD', KEYS[4])})
`),

	ScriptExactlyOnceDelivery: redis.NewScript(`
-- KEYS: processed set, duplicate counter
-- ARGV: eventId
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  local count = tonumber(redis.call('GET', KEYS[2]) or '0')
  return cjson.encode({isDuplicate=false, duplicateCount=count})
end
return cjson.encode({isDuplicate=true, duplicateCount=redis.call('INCR', KEYS[2])})
`),

	ScriptQuorumVote: redis.NewScript(`
-- KEYS: decision hash, voters set
-- ARGV: voterId, value, totalInstances, nowMs
local decided = redis.call('HGET', KEYS[1], '__decided')
if decided then
  local count = tonumber(redis.call('HGET', KEYS[1], decided) or '0')
  return cjson.encode({voted=false, quorumReached=true, decision=decided, voteCount=count})
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  local count = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
  return cjson.encode({voted=false, quorumReached=false, voteCount=count})
end
redis.call('HSET', KEYS[1], '__total', ARGV[3])
local count = redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
local quorum = math.floor(tonumber(ARGV[3]) / 2) + 1
if count >= quorum then
  redis.call('HSET', KEYS[1], '__decided', ARGV[2])
  return cjson.encode({voted=true, quorumReached=true, decision=ARGV[2], voteCount=count})
end
return cjson.encode({voted=true, quorumReached=false, voteCount=count})
`),

	ScriptGossipHealthUpdate: redis.NewScript(`
-- KEYS: gossip hash
-- ARGV: instanceId, health, nowMs, windowMs
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({status=ARGV[2], at=tonumber(ARGV[3])}))
local cutoff = tonumber(ARGV[3]) - tonumber(ARGV[4])
local flat = redis.call('HGETALL', KEYS[1])
local known, unhealthy = 0, 0
for i = 2, #flat, 2 do
  local okd, entry = pcall(cjson.decode, flat[i])
  if okd and type(entry) == 'table' and entry.at and entry.at >= cutoff then
    known = known + 1
    if entry.status ~= 'healthy' then unhealthy = unhealthy + 1 end
  end
end
return cjson.encode({updated=true, partitionDetected=(unhealthy * 2 > known and known > 0)})
`),

	ScriptCoordinateBatch: redis.NewScript(`
-- KEYS: lock, progress, current batch id
-- ARGV: processorId, batchId, total, ttlMs, increment
local acquired = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', tonumber(ARGV[4]))
if acquired then
  redis.call('SET', KEYS[2], '0', 'PX', tonumber(ARGV[4]))
  redis.call('SET', KEYS[3], ARGV[2], 'PX', tonumber(ARGV[4]))
  return cjson.encode({lockAcquired=true, currentProcessor=ARGV[1], progress=0, total=tonumber(ARGV[3])})
end
local holder = redis.call('GET', KEYS[1])
if holder == ARGV[1] then
  local progress = redis.call('INCRBY', KEYS[2], tonumber(ARGV[5]))
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
  redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[4]))
  return cjson.encode({lockAcquired=true, currentProcessor=holder, progress=progress, total=tonumber(ARGV[3])})
end
return cjson.encode({lockAcquired=false, currentProcessor=holder,
  progress=tonumber(redis.call('GET', KEYS[2]) or '0')})
`),

	ScriptAggregateGlobalMetrics: redis.NewScript(`
-- KEYS: global metrics hash
-- ARGV: nowMs
local flat = redis.call('HGETALL', KEYS[1])
local m = {}
for i = 1, #flat, 2 do m[flat[i]] = tonumber(flat[i+1]) or flat[i+1] end
local completed = tonumber(m.tasksCompleted or 0)
local avg = 0
if completed > 0 then avg = (tonumber(m.taskDurationMsTotal or 0)) / completed end
redis.call('HSET', KEYS[1], 'averageTaskDurationMs', tostring(avg), 'aggregatedAt', ARGV[1])
m.averageTaskDurationMs = avg
return cjson.encode(m)
`),

	ScriptGetSystemHealth: redis.NewScript(`
-- KEYS: active set, gossip hash
-- ARGV: nowMs, windowMs
local instances = redis.call('SCARD', KEYS[1])
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
local flat = redis.call('HGETALL', KEYS[2])
local unhealthy = 0
for i = 2, #flat, 2 do
  local okd, entry = pcall(cjson.decode, flat[i])
  if okd and type(entry) == 'table' and entry.at and entry.at >= cutoff and entry.status ~= 'healthy' then
    unhealthy = unhealthy + 1
  end
end
local status = 'healthy'
if unhealthy > 0 then status = 'degraded' end
return cjson.encode({status=status, instances=instances, unhealthy=unhealthy})
`),

	ScriptGetSystemState: redis.NewScript(`
-- KEYS: pending zset, active set, global metrics hash
local flat = redis.call('HGETALL', KEYS[3])
local m = {}
for i = 1, #flat, 2 do m[flat[i]] = flat[i+1] end
local inst = redis.call('SMEMBERS', KEYS[2])
-- cjson renders an empty Lua table as {}, not []; splice the instances
-- array in by hand so an empty cluster still decodes.
local instJson = '[]'
if #inst > 0 then instJson = cjson.encode(inst) end
return '{"pendingTasks":' .. redis.call('ZCARD', KEYS[1]) ..
  ',"instances":' .. instJson ..
  ',"metrics":' .. cjson.encode(m) .. '}'
`),
}
