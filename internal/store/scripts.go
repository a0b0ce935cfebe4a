package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Typed wrappers over the named transitions. Each wrapper builds the
// key/arg vectors, runs the script, and decodes its JSON reply. Replies with
// ok=false are returned as *ScriptError so callers can map them onto the
// error taxonomy without string matching at every site.

// ScriptError is a transition rejected by a script. The transition performed
// no writes.
type ScriptError struct {
	Script string
	Reason string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Script, e.Reason)
}

func evalJSON(ctx context.Context, s Store, script string, keys []string, args []any, out any) error {
	reply, err := s.Eval(ctx, script, keys, args)
	if err != nil {
		return fmt.Errorf("eval %s: %w", script, err)
	}
	raw, ok := reply.(string)
	if !ok {
		return fmt.Errorf("eval %s: unexpected reply type %T", script, reply)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("eval %s: decode reply: %w", script, err)
	}
	return nil
}

type okReply struct {
	OK  bool   `json:"ok"`
	Err string `json:"err"`
	ID  string `json:"id"`
}

// TaskCreate writes the task record and enqueues it. Duplicate ids are
// rejected with no side effects.
func TaskCreate(ctx context.Context, s Store, taskID, text string, priority int, createdAt time.Time, metadataJSON string) error {
	var reply okReply
	err := evalJSON(ctx, s, ScriptTaskCreate,
		[]string{TaskKey(taskID), KeyPendingQueue, KeyQueueSeq},
		[]any{taskID, text, priority, createdAt.UnixMilli(), metadataJSON},
		&reply)
	if err != nil {
		return err
	}
	if !reply.OK {
		return &ScriptError{Script: ScriptTaskCreate, Reason: reply.Err}
	}
	return nil
}

// ClaimResult is the outcome of TaskClaim.
type ClaimResult struct {
	Claimed bool              `json:"claimed"`
	TaskID  string            `json:"taskId"`
	Task    map[string]string `json:"task"`
}

// TaskClaim pops the highest-priority eligible pending task for the worker.
func TaskClaim(ctx context.Context, s Store, workerID string, now time.Time) (*ClaimResult, error) {
	var reply ClaimResult
	err := evalJSON(ctx, s, ScriptTaskClaim,
		[]string{KeyPendingQueue, InstanceQueueKey(workerID), KeyAssignHistory},
		[]any{workerID, now.UnixMilli(), Prefix},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type completeReply struct {
	OK     bool   `json:"ok"`
	Err    string `json:"err"`
	Status string `json:"status"`
}

// TaskComplete finishes an in_progress task. An empty resultJSON marks the
// task failed; any payload marks it completed.
func TaskComplete(ctx context.Context, s Store, taskID, resultJSON string, completedAt time.Time, duration time.Duration) (string, error) {
	var reply completeReply
	err := evalJSON(ctx, s, ScriptTaskComplete,
		[]string{TaskKey(taskID), KeyGlobalMetrics},
		[]any{taskID, resultJSON, completedAt.UnixMilli(), duration.Milliseconds(), Prefix},
		&reply)
	if err != nil {
		return "", err
	}
	if !reply.OK {
		return "", &ScriptError{Script: ScriptTaskComplete, Reason: reply.Err}
	}
	return reply.Status, nil
}

// TaskUpdate applies a partial update, validating status transitions and
// re-scoring the pending queue when priority changes.
func TaskUpdate(ctx context.Context, s Store, taskID, updatesJSON string, updatedAt time.Time) error {
	var reply okReply
	err := evalJSON(ctx, s, ScriptTaskUpdate,
		[]string{TaskKey(taskID), KeyPendingQueue},
		[]any{taskID, updatesJSON, updatedAt.UnixMilli()},
		&reply)
	if err != nil {
		return err
	}
	if !reply.OK {
		return &ScriptError{Script: ScriptTaskUpdate, Reason: reply.Err}
	}
	return nil
}

type reassignReply struct {
	OK     bool   `json:"ok"`
	Err    string `json:"err"`
	Target string `json:"target"`
}

// TaskReassign returns a task to the pending queue (target == "") or hands
// it directly to another worker.
func TaskReassign(ctx context.Context, s Store, taskID, target, reason string, now time.Time) (string, error) {
	var reply reassignReply
	err := evalJSON(ctx, s, ScriptTaskReassign,
		[]string{TaskKey(taskID), KeyPendingQueue, KeyQueueSeq},
		[]any{taskID, target, reason, now.UnixMilli(), Prefix},
		&reply)
	if err != nil {
		return "", err
	}
	if !reply.OK {
		return "", &ScriptError{Script: ScriptTaskReassign, Reason: reply.Err}
	}
	return reply.Target, nil
}

// CheckDelayedTasks lists unassigned pending tasks older than delay.
func CheckDelayedTasks(ctx context.Context, s Store, now time.Time, delay time.Duration, maxTasks int) ([]string, error) {
	var reply struct {
		Tasks []string `json:"tasks"`
	}
	err := evalJSON(ctx, s, ScriptCheckDelayedTasks,
		[]string{KeyPendingQueue},
		[]any{now.UnixMilli(), delay.Milliseconds(), maxTasks, Prefix},
		&reply)
	if err != nil {
		return nil, err
	}
	return reply.Tasks, nil
}

// AutoAssignResult reports how many tasks a worker received and how many
// remain pending.
type AutoAssignResult struct {
	Assigned int   `json:"assigned"`
	Total    int64 `json:"total"`
}

// AutoAssignTasks fills a worker's local list up to cap.
func AutoAssignTasks(ctx context.Context, s Store, workerID string, now time.Time, cap int) (*AutoAssignResult, error) {
	var reply AutoAssignResult
	err := evalJSON(ctx, s, ScriptAutoAssignTasks,
		[]string{KeyPendingQueue, InstanceQueueKey(workerID)},
		[]any{workerID, now.UnixMilli(), cap, Prefix},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

type registerReply struct {
	OK           bool `json:"ok"`
	BecameLeader bool `json:"becameLeader"`
}

// InstanceRegister creates the instance record with TTL and takes the leader
// lease when vacant.
func InstanceRegister(ctx context.Context, s Store, instanceID, rolesJSON string, now time.Time, ttl time.Duration) (becameLeader bool, err error) {
	var reply registerReply
	err = evalJSON(ctx, s, ScriptInstanceRegister,
		[]string{InstanceKey(instanceID), KeyInstancesSet, KeyLeader},
		[]any{instanceID, rolesJSON, now.UnixMilli(), ttl.Milliseconds()},
		&reply)
	if err != nil {
		return false, err
	}
	return reply.BecameLeader, nil
}

type heartbeatReply struct {
	OK       bool   `json:"ok"`
	Err      string `json:"err"`
	IsLeader bool   `json:"isLeader"`
}

// InstanceHeartbeat refreshes the record TTL, gossip health, and leader lease.
func InstanceHeartbeat(ctx context.Context, s Store, instanceID string, now time.Time, ttl time.Duration) (isLeader bool, err error) {
	var reply heartbeatReply
	err = evalJSON(ctx, s, ScriptInstanceHeartbeat,
		[]string{InstanceKey(instanceID), KeyGossipHealth, KeyLeader, KeyInstancesSet},
		[]any{instanceID, now.UnixMilli(), ttl.Milliseconds(), now.UTC().Format(time.RFC3339)},
		&reply)
	if err != nil {
		return false, err
	}
	if !reply.OK {
		return false, &ScriptError{Script: ScriptInstanceHeartbeat, Reason: reply.Err}
	}
	return reply.IsLeader, nil
}

// ReassignResult reports a liveness sweep over one dead instance.
type ReassignResult struct {
	Reassigned     int   `json:"reassigned"`
	HealthyWorkers int64 `json:"healthyWorkers"`
}

// ReassignFailedTasks drains a dead worker's claimed list back into the
// pending queue and retires its instance record.
func ReassignFailedTasks(ctx context.Context, s Store, failedInstanceID, reason string, now time.Time) (*ReassignResult, error) {
	var reply ReassignResult
	err := evalJSON(ctx, s, ScriptReassignFailedTasks,
		[]string{InstanceQueueKey(failedInstanceID), KeyPendingQueue, KeyQueueSeq, KeyInstancesSet, InstanceKey(failedInstanceID)},
		[]any{failedInstanceID, now.UnixMilli(), reason, Prefix},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// DedupResult is the outcome of ExactlyOnceDelivery.
type DedupResult struct {
	IsDuplicate    bool  `json:"isDuplicate"`
	DuplicateCount int64 `json:"duplicateCount"`
}

// ExactlyOnceDelivery marks an event id processed; repeats increment the
// duplicate counter.
func ExactlyOnceDelivery(ctx context.Context, s Store, eventID string) (*DedupResult, error) {
	var reply DedupResult
	err := evalJSON(ctx, s, ScriptExactlyOnceDelivery,
		[]string{KeyProcessedSet, KeyDupPrevented},
		[]any{eventID},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// VoteResult is the outcome of QuorumVote.
type VoteResult struct {
	Voted         bool   `json:"voted"`
	QuorumReached bool   `json:"quorumReached"`
	Decision      string `json:"decision"`
	VoteCount     int64  `json:"voteCount"`
}

// QuorumVote records one vote per voter per decision; the decision latches
// at floor(total/2)+1 votes for one value.
func QuorumVote(ctx context.Context, s Store, decision, voterID, value string, totalInstances int, now time.Time) (*VoteResult, error) {
	var reply VoteResult
	err := evalJSON(ctx, s, ScriptQuorumVote,
		[]string{QuorumDecisionKey(decision), QuorumVotersKey(decision)},
		[]any{voterID, value, totalInstances, now.UnixMilli()},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// GossipResult is the outcome of GossipHealthUpdate.
type GossipResult struct {
	Updated           bool `json:"updated"`
	PartitionDetected bool `json:"partitionDetected"`
}

// GossipHealthUpdate records one instance's self-reported health and flags a
// partition when a majority of fresh reports are unhealthy.
func GossipHealthUpdate(ctx context.Context, s Store, instanceID, health string, now time.Time, window time.Duration) (*GossipResult, error) {
	var reply GossipResult
	err := evalJSON(ctx, s, ScriptGossipHealthUpdate,
		[]string{KeyGossipHealth},
		[]any{instanceID, health, now.UnixMilli(), window.Milliseconds()},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// BatchResult is the outcome of CoordinateBatch.
type BatchResult struct {
	LockAcquired     bool   `json:"lockAcquired"`
	CurrentProcessor string `json:"currentProcessor"`
	Progress         int64  `json:"progress"`
	Total            int64  `json:"total"`
}

// CoordinateBatch try-acquires the singleton batch lock; the holder's
// subsequent calls advance progress.
func CoordinateBatch(ctx context.Context, s Store, processorID, batchID string, total int, ttl time.Duration, increment int) (*BatchResult, error) {
	var reply BatchResult
	err := evalJSON(ctx, s, ScriptCoordinateBatch,
		[]string{KeyBatchLock, KeyBatchProgress, KeyBatchCurrent},
		[]any{processorID, batchID, total, ttl.Milliseconds(), increment},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// AggregateGlobalMetrics folds the runtime counters and refreshes the
// derived averages.
func AggregateGlobalMetrics(ctx context.Context, s Store, now time.Time) (map[string]any, error) {
	out := make(map[string]any)
	err := evalJSON(ctx, s, ScriptAggregateGlobalMetrics,
		[]string{KeyGlobalMetrics},
		[]any{now.UnixMilli()},
		&out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SystemHealth is the read-only cluster health aggregate.
type SystemHealth struct {
	Status    string `json:"status"`
	Instances int64  `json:"instances"`
	Unhealthy int64  `json:"unhealthy"`
}

func GetSystemHealth(ctx context.Context, s Store, now time.Time, window time.Duration) (*SystemHealth, error) {
	var reply SystemHealth
	err := evalJSON(ctx, s, ScriptGetSystemHealth,
		[]string{KeyInstancesSet, KeyGossipHealth},
		[]any{now.UnixMilli(), window.Milliseconds()},
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// SystemState is the read-only cluster state aggregate.
type SystemState struct {
	PendingTasks int64             `json:"pendingTasks"`
	Instances    []string          `json:"instances"`
	Metrics      map[string]string `json:"metrics"`
}

func GetSystemState(ctx context.Context, s Store) (*SystemState, error) {
	var reply SystemState
	err := evalJSON(ctx, s, ScriptGetSystemState,
		[]string{KeyPendingQueue, KeyInstancesSet, KeyGlobalMetrics},
		nil,
		&reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}
