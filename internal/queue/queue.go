// Package queue implements the Redis-backed priority task queue. Pending
// tasks live in a sorted set scored so that higher priority dequeues first
// and equal priority falls back to FIFO; in-flight, completed, and failed
// tasks live in hashes keyed by task ID.
//
// Delivery is at-least-once: the pop-and-mark transition runs as a single
// Lua script so a task is never visible in both pending and processing, and
// never lost between them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MangaiYashobeam/FMD/api/schemas"
)

const (
	// priorityStride separates priority bands in the sorted-set score. It
	// must exceed any plausible spread of enqueue timestamps (milliseconds)
	// so that priority always dominates insertion time.
	priorityStride = 1e12

	completedRetention = 7 * 24 * time.Hour
)

// dequeueScript promotes due entries from the delayed set, then atomically
// pops the lowest-score pending task and records it in the processing hash.
// Returning the raw member keeps the producer's signed bytes byte-identical
// through the transition. ARGV[1] is the current time in unix milliseconds.
var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, member in ipairs(due) do
  local task = cjson.decode(member)
  local priority = tonumber(task['priority']) or 5
  local score = (10 - priority) * 1e12 + now
  redis.call('ZADD', KEYS[1], score, member)
  redis.call('ZREM', KEYS[3], member)
end
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
local member = popped[1]
local task = cjson.decode(member)
redis.call('HSET', KEYS[2], task['task_id'], member)
return member
`)

// failScript settles a failed task in one step: remove it from the
// processing hash and place the rewritten entry in its destination, so a
// crash between the two cannot drop the task. Settling an already-settled
// task returns 0. ARGV[4] selects the destination shape: 'hash' writes a
// terminal failed entry, anything else ZADDs a retry with score ARGV[3].
var failScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if ARGV[4] == 'hash' then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
end
return 1
`)

// Queue is a named priority queue over a shared Redis instance.
type Queue struct {
	rdb        redis.UniversalClient
	name       string
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

// Stats holds queue partition counts.
type Stats struct {
	Pending    int64 `json:"pending"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// processingRecord is the processing-hash shape: the signed envelope plus
// worker assignment stamps.
type processingRecord struct {
	schemas.SignedTask
	WorkerID  string `json:"worker_id,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
}

func New(rdb redis.UniversalClient, name string, maxRetries int, logger *zap.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{
		rdb:        rdb,
		name:       name,
		maxRetries: maxRetries,
		logger:     logger.Named("queue").With(zap.String("queue", name)),
		now:        time.Now,
	}
}

func (q *Queue) pendingKey() string {
	return fmt.Sprintf("fmd:tasks:%s:pending", q.name)
}

func (q *Queue) processingKey() string {
	return fmt.Sprintf("fmd:tasks:%s:processing", q.name)
}

func (q *Queue) completedKey() string {
	return fmt.Sprintf("fmd:tasks:%s:completed", q.name)
}

func (q *Queue) failedKey() string {
	return fmt.Sprintf("fmd:tasks:%s:failed", q.name)
}

func (q *Queue) delayedKey() string {
	return fmt.Sprintf("fmd:tasks:%s:delayed", q.name)
}

// Enqueue inserts a signed task into the pending set. Priority is clamped to
// the valid band; within one band earlier enqueue dequeues first.
func (q *Queue) Enqueue(ctx context.Context, st *schemas.SignedTask) error {
	if st.TaskID == "" {
		return fmt.Errorf("task has no id")
	}
	if st.Priority < schemas.MinPriority {
		st.Priority = schemas.MinPriority
	}
	if st.Priority > schemas.MaxPriority {
		st.Priority = schemas.MaxPriority
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	score := q.scoreFor(st.Priority)
	if err := q.rdb.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score, Member: raw}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Info("Task enqueued",
		zap.String("task_id", st.TaskID),
		zap.String("type", string(st.Type)),
		zap.Int("priority", st.Priority))
	return nil
}

func (q *Queue) scoreFor(priority int) float64 {
	return float64(schemas.MaxPriority-priority)*priorityStride + float64(q.now().UnixMilli())
}

// Dequeue atomically moves the highest-priority pending task into the
// processing hash and returns it. A nil task with nil error means the queue
// is empty.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*schemas.SignedTask, error) {
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.pendingKey(), q.processingKey(), q.delayedKey()},
		q.now().UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected dequeue result type %T", res)
	}

	var st schemas.SignedTask
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode dequeued task: %w", err)
	}

	// Stamp worker assignment onto the processing entry. The entry already
	// exists from the atomic transition, so a crash here loses only the
	// stamps, never the task.
	rec := processingRecord{
		SignedTask: st,
		WorkerID:   workerID,
		StartedAt:  q.now().UTC().Format(time.RFC3339Nano),
	}
	stamped, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize processing record: %w", err)
	}
	if err := q.rdb.HSet(ctx, q.processingKey(), st.TaskID, stamped).Err(); err != nil {
		q.logger.Warn("Failed to stamp processing record",
			zap.String("task_id", st.TaskID), zap.Error(err))
	}

	q.logger.Info("Task dequeued",
		zap.String("task_id", st.TaskID),
		zap.String("worker_id", workerID))
	return &st, nil
}

// Complete moves a task from processing to the completed hash, attaching the
// handler result. Completed entries are retained for a bounded window.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	entry, err := q.takeProcessing(ctx, taskID)
	if err != nil {
		return err
	}

	entry["completed_at"] = q.now().UTC().Format(time.RFC3339Nano)
	entry["result"] = result
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize completed task: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.completedKey(), taskID, raw)
	pipe.HDel(ctx, q.processingKey(), taskID)
	pipe.Expire(ctx, q.completedKey(), completedRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}

	q.logger.Info("Task completed", zap.String("task_id", taskID))
	return nil
}

// Fail removes a task from processing and either requeues it for retry or
// parks it in the terminal failed hash. Each retry lowers priority one step
// so retried work cannot starve fresh tasks. A positive delay holds the
// retry in the delayed set until it falls due. retry=false is terminal
// regardless of retry count. The returned bool reports whether the task was
// requeued; false means the failure is terminal.
func (q *Queue) Fail(ctx context.Context, taskID, taskErr string, retry bool, delay time.Duration) (bool, error) {
	entry, err := q.takeProcessing(ctx, taskID)
	if err != nil {
		return false, err
	}

	retryCount := intField(entry, "retry_count") + 1
	entry["retry_count"] = retryCount
	entry["failed_at"] = q.now().UTC().Format(time.RFC3339Nano)
	entry["error"] = taskErr

	if retry && retryCount < q.maxRetries {
		priority := intField(entry, "priority") - 1
		if priority < schemas.MinPriority {
			priority = schemas.MinPriority
		}
		entry["priority"] = priority
		delete(entry, "worker_id")
		delete(entry, "started_at")

		raw, err := json.Marshal(entry)
		if err != nil {
			return false, fmt.Errorf("failed to serialize retry task: %w", err)
		}
		dest, score := q.pendingKey(), q.scoreFor(priority)
		if delay > 0 {
			dest, score = q.delayedKey(), float64(q.now().Add(delay).UnixMilli())
		}
		if err := q.settleFailed(ctx, taskID, dest, raw, score, "zset"); err != nil {
			return false, err
		}

		q.logger.Info("Task requeued for retry",
			zap.String("task_id", taskID),
			zap.Int("retry_count", retryCount),
			zap.Int("priority", priority),
			zap.Duration("delay", delay))
		return true, nil
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to serialize failed task: %w", err)
	}
	if err := q.settleFailed(ctx, taskID, q.failedKey(), raw, 0, "hash"); err != nil {
		return false, err
	}

	q.logger.Error("Task failed permanently",
		zap.String("task_id", taskID),
		zap.Int("retry_count", retryCount),
		zap.String("error", taskErr))
	return false, nil
}

// settleFailed runs failScript against the processing hash. A zero result
// means another settlement already claimed the task.
func (q *Queue) settleFailed(ctx context.Context, taskID, dest string, member []byte, score float64, mode string) error {
	moved, err := failScript.Run(ctx, q.rdb,
		[]string{q.processingKey(), dest},
		taskID, member, score, mode).Int()
	if err != nil {
		return fmt.Errorf("failed to settle task: %w", err)
	}
	if moved == 0 {
		return fmt.Errorf("task %s not found in processing", taskID)
	}
	return nil
}

// takeProcessing reads a processing entry as a mutable map.
func (q *Queue) takeProcessing(ctx context.Context, taskID string) (map[string]any, error) {
	raw, err := q.rdb.HGet(ctx, q.processingKey(), taskID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("task %s not found in processing", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read processing entry: %w", err)
	}
	entry := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("failed to decode processing entry: %w", err)
	}
	return entry, nil
}

// Stats returns partition counts for this queue.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.ZCard(ctx, q.pendingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.HLen(ctx, q.processingKey())
	completed := pipe.HLen(ctx, q.completedKey())
	failed := pipe.HLen(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &Stats{
		Pending:    pending.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}

func intField(entry map[string]any, key string) int {
	switch v := entry[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
