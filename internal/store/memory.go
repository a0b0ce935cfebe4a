package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store guarded by a single mutex. Every
// named transition executes under that mutex, which gives the same
// isolation the Lua scripts give on Redis. cmd/server falls back to it when
// Redis is unreachable, and the package tests run against it.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	lists   map[string][]string
	streams map[string][]StreamEntry
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
	seq     int64

	// now is swappable so tests can drive TTL expiry deterministically.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		streams: make(map[string][]StreamEntry),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Close() error { return nil }

// reap drops the key if its TTL elapsed. Caller holds the mutex.
func (s *MemoryStore) reap(key string) {
	if exp, ok := s.expiry[key]; ok && s.now().After(exp) {
		s.dropLocked(key)
	}
}

func (s *MemoryStore) dropLocked(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.lists, key)
	delete(s.streams, key)
	delete(s.sets, key)
	delete(s.expiry, key)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	v, ok := s.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.dropLocked(k)
	}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrLocked(key, 1), nil
}

func (s *MemoryStore) incrLocked(key string, delta int64) int64 {
	s.reap(key)
	n, _ := strconv.ParseInt(s.strings[key], 10, 64)
	n += delta
	s.strings[key] = strconv.FormatInt(n, 10)
	return n
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	h, ok := s.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, fields)
	return nil
}

func (s *MemoryStore) hsetLocked(key string, fields map[string]string) {
	s.reap(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hincrLocked(key, field, delta), nil
}

func (s *MemoryStore) hincrLocked(key, field string, delta int64) int64 {
	s.reap(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	n, _ := strconv.ParseInt(h[field], 10, 64)
	n += delta
	h[field] = strconv.FormatInt(n, 10)
	return n
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	return nil
}

// zsorted returns members ordered by (score, member), ascending. Caller
// holds the mutex.
func (s *MemoryStore) zsorted(key string) []ZMember {
	z := s.zsets[key]
	out := make([]ZMember, 0, len(z))
	for m, sc := range z {
		out = append(out, ZMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func sliceRange(n int64, start, stop int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (s *MemoryStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64, rev bool) ([]ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	sorted := s.zsorted(key)
	if rev {
		for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		}
	}
	start, stop = sliceRange(int64(len(sorted)), start, stop)
	if start > stop || len(sorted) == 0 {
		return nil, nil
	}
	return sorted[start : stop+1], nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	var removed int64
	for m, sc := range s.zsets[key] {
		if sc >= min && sc <= max {
			delete(s.zsets[key], m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.zsets[key], m)
	}
	return nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) RPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	s.lists[key] = append(s.lists[key], values...)
	return nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	l := s.lists[key]
	start, stop = sliceRange(int64(len(l)), start, stop)
	if start > stop || len(l) == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (s *MemoryStore) LRem(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lremLocked(key, value)
	return nil
}

func (s *MemoryStore) lremLocked(key, value string) {
	l := s.lists[key]
	for i, v := range l {
		if v == value {
			s.lists[key] = append(l[:i:i], l[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	start, stop = sliceRange(int64(len(l)), start, stop)
	if start > stop || len(l) == 0 {
		s.lists[key] = nil
		return nil
	}
	s.lists[key] = l[start : stop+1]
	return nil
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) XAdd(ctx context.Context, key string, maxLen int64, values map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%d-%d", s.now().UnixMilli(), s.seq)
	copied := make(map[string]string, len(values))
	for f, v := range values {
		copied[f] = v
	}
	entries := append(s.streams[key], StreamEntry{ID: id, Values: copied})
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[int64(len(entries))-maxLen:]
	}
	s.streams[key] = entries
	return id, nil
}

func (s *MemoryStore) XRange(ctx context.Context, key string, count int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.streams[key]
	if count > 0 && int64(len(entries)) > count {
		entries = entries[:count]
	}
	out := make([]StreamEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) XLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.streams[key])), nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saddLocked(key, members...)
	return nil
}

// saddLocked returns how many members were newly added.
func (s *MemoryStore) saddLocked(key string, members ...string) int {
	s.reap(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	added := 0
	for _, m := range members {
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added++
		}
	}
	return added
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reap(key)
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[key], m)
	}
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	collect := func(key string) {
		s.reap(key)
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
		}
	}
	for k := range s.strings {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.zsets {
		collect(k)
	}
	for k := range s.lists {
		collect(k)
	}
	for k := range s.sets {
		collect(k)
	}
	for k := range s.streams {
		collect(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Named transitions. Each runs fully under the store mutex and returns the
// same JSON reply shape as its Lua counterpart.
// ---------------------------------------------------------------------------

func (s *MemoryStore) Eval(ctx context.Context, script string, keys []string, args []any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	strArgs := make([]string, len(args))
	for i, a := range args {
		strArgs[i] = fmt.Sprint(a)
	}

	var reply any
	switch script {
	case ScriptTaskCreate:
		reply = s.taskCreate(keys, strArgs)
	case ScriptTaskClaim:
		reply = s.taskClaim(keys, strArgs)
	case ScriptTaskComplete:
		reply = s.taskComplete(keys, strArgs)
	case ScriptTaskUpdate:
		reply = s.taskUpdate(keys, strArgs)
	case ScriptTaskReassign:
		reply = s.taskReassign(keys, strArgs)
	case ScriptCheckDelayedTasks:
		reply = s.checkDelayedTasks(keys, strArgs)
	case ScriptAutoAssignTasks:
		reply = s.autoAssignTasks(keys, strArgs)
	case ScriptInstanceRegister:
		reply = s.instanceRegister(keys, strArgs)
	case ScriptInstanceHeartbeat:
		reply = s.instanceHeartbeat(keys, strArgs)
	case ScriptReassignFailedTasks:
		reply = s.reassignFailedTasks(keys, strArgs)
	case ScriptExactlyOnceDelivery:
		reply = s.exactlyOnceDelivery(keys, strArgs)
	case ScriptQuorumVote:
		reply = s.quorumVote(keys, strArgs)
	case ScriptGossipHealthUpdate:
		reply = s.gossipHealthUpdate(keys, strArgs)
	case ScriptCoordinateBatch:
		reply = s.coordinateBatch(keys, strArgs)
	case ScriptAggregateGlobalMetrics:
		reply = s.aggregateGlobalMetrics(keys, strArgs)
	case ScriptGetSystemHealth:
		reply = s.getSystemHealth(keys, strArgs)
	case ScriptGetSystemState:
		reply = s.getSystemState(keys, strArgs)
	default:
		return nil, fmt.Errorf("unknown script %q", script)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func pendingScore(priority float64, seq int64) float64 {
	return priority*1e10 + (1e10 - float64(seq))
}

func (s *MemoryStore) taskCreate(keys []string, args []string) any {
	taskKey, queueKey, seqKey := keys[0], keys[1], keys[2]
	s.reap(taskKey)
	if len(s.hashes[taskKey]) > 0 {
		return map[string]any{"ok": false, "err": "task already exists"}
	}
	seq := s.incrLocked(seqKey, 1)
	priority, _ := strconv.ParseFloat(args[2], 64)
	s.hsetLocked(taskKey, map[string]string{
		"id": args[0], "text": args[1], "status": "pending",
		"priority": args[2], "assignedTo": "", "result": "", "error": "",
		"createdAt": args[3], "updatedAt": args[3], "completedAt": "",
		"claimedAt": "", "metadata": args[4],
	})
	if s.zsets[queueKey] == nil {
		s.zsets[queueKey] = make(map[string]float64)
	}
	s.zsets[queueKey][args[0]] = pendingScore(priority, seq)
	return map[string]any{"ok": true, "id": args[0]}
}

func deniedFor(metadata, workerID string) bool {
	if metadata == "" {
		return false
	}
	var m struct {
		DenyList []string `json:"denyList"`
	}
	if err := json.Unmarshal([]byte(metadata), &m); err != nil {
		return false
	}
	for _, w := range m.DenyList {
		if w == workerID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) taskClaim(keys []string, args []string) any {
	queueKey, workerList, history := keys[0], keys[1], keys[2]
	workerID, now, prefix := args[0], args[1], args[2]

	sorted := s.zsorted(queueKey)
	for i := len(sorted) - 1; i >= 0; i-- {
		id := sorted[i].Member
		taskKey := prefix + "task:" + id
		if deniedFor(s.hashes[taskKey]["metadata"], workerID) {
			continue
		}
		delete(s.zsets[queueKey], id)
		s.hsetLocked(taskKey, map[string]string{
			"status": "in_progress", "assignedTo": workerID,
			"claimedAt": now, "updatedAt": now,
		})
		s.lists[workerList] = append(s.lists[workerList], id)
		entry, _ := json.Marshal(map[string]any{"taskId": id, "workerId": workerID, "at": mustInt(now)})
		s.lists[history] = append(s.lists[history], string(entry))
		if len(s.lists[history]) > 1000 {
			s.lists[history] = s.lists[history][len(s.lists[history])-1000:]
		}
		task := make(map[string]string, len(s.hashes[taskKey]))
		for f, v := range s.hashes[taskKey] {
			task[f] = v
		}
		return map[string]any{"claimed": true, "taskId": id, "task": task}
	}
	return map[string]any{"claimed": false}
}

func (s *MemoryStore) taskComplete(keys []string, args []string) any {
	taskKey, metricsKey := keys[0], keys[1]
	resultJSON, completedAt, durationMs, prefix := args[1], args[2], args[3], args[4]
	s.reap(taskKey)
	task := s.hashes[taskKey]
	if len(task) == 0 {
		return map[string]any{"ok": false, "err": "task not found"}
	}
	if task["status"] != "in_progress" {
		return map[string]any{"ok": false, "err": "task is " + task["status"] + ", not in_progress"}
	}
	final := "failed"
	if resultJSON != "" {
		final = "completed"
	}
	worker := task["assignedTo"]
	s.hsetLocked(taskKey, map[string]string{
		"status": final, "result": resultJSON,
		"completedAt": completedAt, "updatedAt": completedAt,
		"durationMs": durationMs,
	})
	if worker != "" {
		s.lremLocked(prefix+"queue:instance:"+worker, args[0])
	}
	s.hincrLocked(metricsKey, "tasksCompleted", 1)
	s.hincrLocked(metricsKey, "taskDurationMsTotal", mustInt(durationMs))
	if final == "failed" {
		s.hincrLocked(metricsKey, "tasksFailed", 1)
	}
	return map[string]any{"ok": true, "status": final}
}

func (s *MemoryStore) taskUpdate(keys []string, args []string) any {
	taskKey, queueKey := keys[0], keys[1]
	s.reap(taskKey)
	task := s.hashes[taskKey]
	if len(task) == 0 {
		return map[string]any{"ok": false, "err": "task not found"}
	}
	var updates struct {
		Text     *string        `json:"text"`
		Status   *string        `json:"status"`
		Priority *float64       `json:"priority"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(args[1]), &updates); err != nil {
		return map[string]any{"ok": false, "err": "bad updates payload"}
	}
	status := task["status"]
	if updates.Status != nil && *updates.Status != status {
		next := *updates.Status
		allowed := (status == "pending" && next == "in_progress") ||
			(status == "in_progress" && (next == "completed" || next == "failed"))
		if !allowed {
			return map[string]any{"ok": false, "err": "invalid transition " + status + " -> " + next}
		}
		task["status"] = next
		if next != "pending" {
			delete(s.zsets[queueKey], args[0])
		}
	}
	if updates.Text != nil {
		task["text"] = *updates.Text
	}
	if updates.Metadata != nil {
		meta, _ := json.Marshal(updates.Metadata)
		task["metadata"] = string(meta)
	}
	if updates.Priority != nil {
		task["priority"] = strconv.FormatFloat(*updates.Priority, 'f', -1, 64)
		if old, ok := s.zsets[queueKey][args[0]]; ok {
			seqpart := math.Mod(old, 1e10)
			s.zsets[queueKey][args[0]] = *updates.Priority*1e10 + seqpart
		}
	}
	task["updatedAt"] = args[2]
	return map[string]any{"ok": true, "id": args[0]}
}

func (s *MemoryStore) taskReassign(keys []string, args []string) any {
	taskKey, queueKey, seqKey := keys[0], keys[1], keys[2]
	taskID, target, reason, now, prefix := args[0], args[1], args[2], args[3], args[4]
	s.reap(taskKey)
	task := s.hashes[taskKey]
	if len(task) == 0 {
		return map[string]any{"ok": false, "err": "task not found"}
	}
	if worker := task["assignedTo"]; worker != "" {
		s.lremLocked(prefix+"queue:instance:"+worker, taskID)
	}
	var meta map[string]any
	if task["metadata"] != "" {
		_ = json.Unmarshal([]byte(task["metadata"]), &meta)
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["reassignReason"] = reason
	encoded, _ := json.Marshal(meta)
	task["metadata"] = string(encoded)
	task["updatedAt"] = now
	if target == "" {
		seq := s.incrLocked(seqKey, 1)
		priority, _ := strconv.ParseFloat(task["priority"], 64)
		task["status"] = "pending"
		task["assignedTo"] = ""
		task["claimedAt"] = ""
		if s.zsets[queueKey] == nil {
			s.zsets[queueKey] = make(map[string]float64)
		}
		s.zsets[queueKey][taskID] = pendingScore(priority, seq)
		return map[string]any{"ok": true, "target": ""}
	}
	delete(s.zsets[queueKey], taskID)
	task["status"] = "in_progress"
	task["assignedTo"] = target
	task["claimedAt"] = now
	listKey := prefix + "queue:instance:" + target
	s.lists[listKey] = append(s.lists[listKey], taskID)
	return map[string]any{"ok": true, "target": target}
}

func (s *MemoryStore) checkDelayedTasks(keys []string, args []string) any {
	queueKey := keys[0]
	now, delay, max := mustInt(args[0]), mustInt(args[1]), int(mustInt(args[2]))
	prefix := args[3]
	cutoff := now - delay
	out := []string{}
	sorted := s.zsorted(queueKey)
	for i := len(sorted) - 1; i >= 0 && len(out) < max; i-- {
		id := sorted[i].Member
		task := s.hashes[prefix+"task:"+id]
		created := mustInt(task["createdAt"])
		if created > 0 && created < cutoff && task["assignedTo"] == "" {
			out = append(out, id)
		}
	}
	return map[string]any{"tasks": out}
}

func (s *MemoryStore) autoAssignTasks(keys []string, args []string) any {
	queueKey, workerList := keys[0], keys[1]
	workerID, now, cap := args[0], args[1], int(mustInt(args[2]))
	prefix := args[3]
	assigned := 0
	sorted := s.zsorted(queueKey)
	// Denied entries are skipped, not a stop condition: eligible work behind
	// a denied head task must still be handed out.
	for i := len(sorted) - 1; i >= 0 && assigned < cap; i-- {
		id := sorted[i].Member
		taskKey := prefix + "task:" + id
		if deniedFor(s.hashes[taskKey]["metadata"], workerID) {
			continue
		}
		delete(s.zsets[queueKey], id)
		s.hsetLocked(taskKey, map[string]string{
			"status": "in_progress", "assignedTo": workerID,
			"claimedAt": now, "updatedAt": now,
		})
		s.lists[workerList] = append(s.lists[workerList], id)
		assigned++
	}
	return map[string]any{"assigned": assigned, "total": len(s.zsets[queueKey])}
}

func (s *MemoryStore) instanceRegister(keys []string, args []string) any {
	instanceKey, activeSet, leaderKey := keys[0], keys[1], keys[2]
	ttlMs := mustInt(args[3])
	s.hashes[instanceKey] = map[string]string{
		"id": args[0], "roles": args[1], "status": "ACTIVE",
		"registeredAt": args[2], "lastHeartbeat": args[2], "ttlMs": args[3],
	}
	s.expiry[instanceKey] = s.now().Add(time.Duration(ttlMs) * time.Millisecond)
	s.saddLocked(activeSet, args[0])
	became := false
	s.reap(leaderKey)
	if _, held := s.strings[leaderKey]; !held {
		s.strings[leaderKey] = args[0]
		s.expiry[leaderKey] = s.now().Add(2 * time.Duration(ttlMs) * time.Millisecond)
		became = true
	}
	return map[string]any{"ok": true, "becameLeader": became}
}

func (s *MemoryStore) instanceHeartbeat(keys []string, args []string) any {
	instanceKey, gossipKey, leaderKey, activeSet := keys[0], keys[1], keys[2], keys[3]
	instanceID, now, ttlMs := args[0], args[1], mustInt(args[2])
	s.reap(instanceKey)
	if len(s.hashes[instanceKey]) == 0 {
		return map[string]any{"ok": false, "err": "instance not registered"}
	}
	s.hashes[instanceKey]["lastHeartbeat"] = now
	s.expiry[instanceKey] = s.now().Add(time.Duration(ttlMs) * time.Millisecond)
	s.saddLocked(activeSet, instanceID)
	health, _ := json.Marshal(map[string]any{"status": "healthy", "at": mustInt(now), "iso": args[3]})
	s.hsetLocked(gossipKey, map[string]string{instanceID: string(health)})
	s.reap(leaderKey)
	leader, held := s.strings[leaderKey]
	isLeader := false
	switch {
	case held && leader == instanceID:
		s.expiry[leaderKey] = s.now().Add(2 * time.Duration(ttlMs) * time.Millisecond)
		isLeader = true
	case !held:
		s.strings[leaderKey] = instanceID
		s.expiry[leaderKey] = s.now().Add(2 * time.Duration(ttlMs) * time.Millisecond)
		isLeader = true
	}
	return map[string]any{"ok": true, "isLeader": isLeader}
}

func (s *MemoryStore) reassignFailedTasks(keys []string, args []string) any {
	failedList, queueKey, seqKey, activeSet, instanceKey := keys[0], keys[1], keys[2], keys[3], keys[4]
	failedID, now, reason, prefix := args[0], args[1], args[2], args[3]
	reassigned := 0
	for _, id := range s.lists[failedList] {
		taskKey := prefix + "task:" + id
		task := s.hashes[taskKey]
		if len(task) == 0 || task["status"] != "in_progress" {
			continue
		}
		var meta map[string]any
		if task["metadata"] != "" {
			_ = json.Unmarshal([]byte(task["metadata"]), &meta)
		}
		if meta == nil {
			meta = make(map[string]any)
		}
		meta["reassignReason"] = reason
		encoded, _ := json.Marshal(meta)
		seq := s.incrLocked(seqKey, 1)
		priority, _ := strconv.ParseFloat(task["priority"], 64)
		task["status"] = "pending"
		task["assignedTo"] = ""
		task["claimedAt"] = ""
		task["metadata"] = string(encoded)
		task["updatedAt"] = now
		if s.zsets[queueKey] == nil {
			s.zsets[queueKey] = make(map[string]float64)
		}
		s.zsets[queueKey][id] = pendingScore(priority, seq)
		reassigned++
	}
	delete(s.lists, failedList)
	delete(s.sets[activeSet], failedID)
	s.dropLocked(instanceKey)
	return map[string]any{"reassigned": reassigned, "healthyWorkers": len(s.sets[activeSet])}
}

func (s *MemoryStore) exactlyOnceDelivery(keys []string, args []string) any {
	processedSet, counterKey := keys[0], keys[1]
	if s.saddLocked(processedSet, args[0]) == 1 {
		count, _ := strconv.ParseInt(s.strings[counterKey], 10, 64)
		return map[string]any{"isDuplicate": false, "duplicateCount": count}
	}
	return map[string]any{"isDuplicate": true, "duplicateCount": s.incrLocked(counterKey, 1)}
}

func (s *MemoryStore) quorumVote(keys []string, args []string) any {
	decisionKey, votersKey := keys[0], keys[1]
	voterID, value := args[0], args[1]
	total := mustInt(args[2])
	if decided, ok := s.hashes[decisionKey]["__decided"]; ok {
		count, _ := strconv.ParseInt(s.hashes[decisionKey][decided], 10, 64)
		return map[string]any{"voted": false, "quorumReached": true, "decision": decided, "voteCount": count}
	}
	if s.saddLocked(votersKey, voterID) == 0 {
		count, _ := strconv.ParseInt(s.hashes[decisionKey][value], 10, 64)
		return map[string]any{"voted": false, "quorumReached": false, "voteCount": count}
	}
	s.hsetLocked(decisionKey, map[string]string{"__total": args[2]})
	count := s.hincrLocked(decisionKey, value, 1)
	quorum := total/2 + 1
	if count >= quorum {
		s.hsetLocked(decisionKey, map[string]string{"__decided": value})
		return map[string]any{"voted": true, "quorumReached": true, "decision": value, "voteCount": count}
	}
	return map[string]any{"voted": true, "quorumReached": false, "voteCount": count}
}

func (s *MemoryStore) gossipHealthUpdate(keys []string, args []string) any {
	gossipKey := keys[0]
	now, window := mustInt(args[2]), mustInt(args[3])
	entry, _ := json.Marshal(map[string]any{"status": args[1], "at": now})
	s.hsetLocked(gossipKey, map[string]string{args[0]: string(entry)})
	cutoff := now - window
	known, unhealthy := 0, 0
	for _, raw := range s.hashes[gossipKey] {
		var e struct {
			Status string `json:"status"`
			At     int64  `json:"at"`
		}
		if json.Unmarshal([]byte(raw), &e) == nil && e.At >= cutoff {
			known++
			if e.Status != "healthy" {
				unhealthy++
			}
		}
	}
	return map[string]any{"updated": true, "partitionDetected": unhealthy*2 > known && known > 0}
}

func (s *MemoryStore) coordinateBatch(keys []string, args []string) any {
	lockKey, progressKey, currentKey := keys[0], keys[1], keys[2]
	processorID, batchID := args[0], args[1]
	total, ttlMs, incr := mustInt(args[2]), mustInt(args[3]), mustInt(args[4])
	ttl := time.Duration(ttlMs) * time.Millisecond
	s.reap(lockKey)
	if _, held := s.strings[lockKey]; !held {
		s.strings[lockKey] = processorID
		s.strings[progressKey] = "0"
		s.strings[currentKey] = batchID
		s.expiry[lockKey] = s.now().Add(ttl)
		s.expiry[progressKey] = s.now().Add(ttl)
		s.expiry[currentKey] = s.now().Add(ttl)
		return map[string]any{"lockAcquired": true, "currentProcessor": processorID, "progress": 0, "total": total}
	}
	holder := s.strings[lockKey]
	if holder == processorID {
		progress := s.incrLocked(progressKey, incr)
		s.expiry[lockKey] = s.now().Add(ttl)
		s.expiry[progressKey] = s.now().Add(ttl)
		return map[string]any{"lockAcquired": true, "currentProcessor": holder, "progress": progress, "total": total}
	}
	progress, _ := strconv.ParseInt(s.strings[progressKey], 10, 64)
	return map[string]any{"lockAcquired": false, "currentProcessor": holder, "progress": progress}
}

func (s *MemoryStore) aggregateGlobalMetrics(keys []string, args []string) any {
	metricsKey := keys[0]
	out := make(map[string]any)
	for f, v := range s.hashes[metricsKey] {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[f] = n
		} else {
			out[f] = v
		}
	}
	completed, _ := out["tasksCompleted"].(float64)
	totalMs, _ := out["taskDurationMsTotal"].(float64)
	avg := 0.0
	if completed > 0 {
		avg = totalMs / completed
	}
	s.hsetLocked(metricsKey, map[string]string{
		"averageTaskDurationMs": strconv.FormatFloat(avg, 'f', -1, 64),
		"aggregatedAt":          args[0],
	})
	out["averageTaskDurationMs"] = avg
	return out
}

func (s *MemoryStore) getSystemHealth(keys []string, args []string) any {
	activeSet, gossipKey := keys[0], keys[1]
	now, window := mustInt(args[0]), mustInt(args[1])
	cutoff := now - window
	unhealthy := 0
	for _, raw := range s.hashes[gossipKey] {
		var e struct {
			Status string `json:"status"`
			At     int64  `json:"at"`
		}
		if json.Unmarshal([]byte(raw), &e) == nil && e.At >= cutoff && e.Status != "healthy" {
			unhealthy++
		}
	}
	status := "healthy"
	if unhealthy > 0 {
		status = "degraded"
	}
	return map[string]any{"status": status, "instances": len(s.sets[activeSet]), "unhealthy": unhealthy}
}

func (s *MemoryStore) getSystemState(keys []string, args []string) any {
	queueKey, activeSet, metricsKey := keys[0], keys[1], keys[2]
	instances := make([]string, 0, len(s.sets[activeSet]))
	for m := range s.sets[activeSet] {
		instances = append(instances, m)
	}
	sort.Strings(instances)
	metrics := make(map[string]string, len(s.hashes[metricsKey]))
	for f, v := range s.hashes[metricsKey] {
		metrics[f] = v
	}
	return map[string]any{
		"pendingTasks": len(s.zsets[queueKey]),
		"instances":    instances,
		"metrics":      metrics,
	}
}

func mustInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
