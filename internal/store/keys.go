package store

// Key schema for the cb: keyspace. Every key the runtime touches is built
// here so the layout stays greppable in one place.

const (
	// Prefix namespaces every key owned by the runtime.
	Prefix = "cb:"

	KeyPendingQueue  = Prefix + "queue:tasks:pending" // zset: score = priority*1e10 + (1e10-seq)
	KeyQueueSeq      = Prefix + "queue:seq"           // insertion-order counter
	KeyTaskCounter   = Prefix + "task:counter"        // t-<seq> id source
	KeyInstancesSet  = Prefix + "instances:active"    // set of live instance ids
	KeyLeader        = Prefix + "leader"              // first-writer-wins lease
	KeyGossipHealth  = Prefix + "gossip:health"       // hash: instanceId -> health json
	KeyProcessedSet  = Prefix + "processed:events"    // exactly-once dedup set
	KeyDupPrevented  = Prefix + "duplicates:prevented"
	KeyGlobalMetrics = Prefix + "metrics:global" // hash of runtime counters
	KeyAuditStream   = Prefix + "stream:audit"
	KeyAuditLog      = Prefix + "audit:log"
	KeyBatchLock     = Prefix + "batch:lock"
	KeyBatchProgress = Prefix + "batch:progress"
	KeyBatchCurrent  = Prefix + "batch:current"
	KeyAssignHistory = Prefix + "history:assignments"
)

func TaskKey(id string) string { return Prefix + "task:" + id }

func InstanceKey(id string) string { return Prefix + "instance:" + id }

func InstanceQueueKey(id string) string { return Prefix + "queue:instance:" + id }

func StreamKey(eventType string) string { return Prefix + "stream:" + eventType }

func RateLimitKey(event, actor string) string {
	return Prefix + "ratelimit:" + event + ":" + actor
}

func CacheKey(event, fingerprint string) string {
	return Prefix + "cache:handler:" + event + ":" + fingerprint
}

func CircuitKey(event string) string { return Prefix + "circuit:" + event }

func QuorumDecisionKey(d string) string { return Prefix + "quorum:decision:" + d }

func QuorumVotersKey(d string) string { return Prefix + "quorum:voters:" + d }

func LatencyKey(event string) string { return Prefix + "metrics:latency:" + event }

// Named atomic transitions. Each name maps to a Lua script in RedisStore and
// to a Go function under the MemoryStore mutex; both implement the same
// contract.
const (
	ScriptTaskCreate             = "TASK_CREATE"
	ScriptTaskClaim              = "TASK_CLAIM"
	ScriptTaskComplete           = "TASK_COMPLETE"
	ScriptTaskUpdate             = "TASK_UPDATE"
	ScriptTaskReassign           = "TASK_REASSIGN"
	ScriptCheckDelayedTasks      = "CHECK_DELAYED_TASKS"
	ScriptAutoAssignTasks        = "AUTO_ASSIGN_TASKS"
	ScriptInstanceRegister       = "INSTANCE_REGISTER"
	ScriptInstanceHeartbeat      = "INSTANCE_HEARTBEAT"
	ScriptReassignFailedTasks    = "REASSIGN_FAILED_TASKS"
	ScriptExactlyOnceDelivery    = "EXACTLY_ONCE_DELIVERY"
	ScriptQuorumVote             = "QUORUM_VOTE"
	ScriptGossipHealthUpdate     = "GOSSIP_HEALTH_UPDATE"
	ScriptCoordinateBatch        = "COORDINATE_BATCH"
	ScriptAggregateGlobalMetrics = "AGGREGATE_GLOBAL_METRICS"
	ScriptGetSystemHealth        = "GET_SYSTEM_HEALTH"
	ScriptGetSystemState         = "GET_SYSTEM_STATE"
)
