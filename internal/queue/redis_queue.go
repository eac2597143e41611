package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"shortcut-enhancer/internal/models"
)

// Sentinel errors surfaced to producers and workers.
var (
	// ErrStoreUnavailable wraps queue store connectivity failures. Task state
	// is never touched when it is returned.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrInvalidTransition reports a Complete or Fail call from a non-owner,
	// or against a task that is not in_progress. The call is a no-op.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrNotFound reports a lookup for an unknown task id.
	ErrNotFound = errors.New("task not found")
)

// claimScanLimit bounds how many ranked candidates per type the claim script
// inspects when skipping dependency-blocked tasks.
const claimScanLimit = 25

// RedisQueue is the task queue manager. It owns the task lifecycle, priority
// ordering, and retry policy, persisting everything in Redis: one pending
// ZSET per task type scored (priority, created_at), the record as a hash at
// task:<id> (opaque payload/result/dependencies held as raw JSON string
// fields the Lua scripts never decode), and per-type in-flight/completed/
// dead ZSETs scored by time.
//
// There is deliberately no lease or heartbeat: a task claimed by a worker
// that crashes before reporting stays in_progress. The in-flight ZSET score
// is the claim time so operators can spot such tasks by age.
type RedisQueue struct {
	client     *redis.Client
	taskPrefix string
}

// NewRedisQueue wraps an injected Redis client. Callers own the client's
// lifecycle, which lets tests substitute an in-memory server.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:     client,
		taskPrefix: "task:",
	}
}

func (q *RedisQueue) taskKey(id string) string { return q.taskPrefix + id }

func pendingKey(taskType string) string   { return "queue:pending:" + taskType }
func inflightKey(taskType string) string  { return "queue:inflight:" + taskType }
func completedKey(taskType string) string { return "queue:completed:" + taskType }
func deadKey(taskType string) string      { return "queue:dead:" + taskType }

// pendingScore ranks eligible tasks: primary key priority ascending,
// secondary created_at ascending. Both fit float64's integer range.
func pendingScore(priority int, createdAtMillis int64) float64 {
	return float64(priority)*1e13 + float64(createdAtMillis)
}

// EnqueueParams collects producer inputs for a new task.
type EnqueueParams struct {
	Type         string
	WorkspaceID  string
	StoryID      string
	Payload      map[string]any
	Priority     int
	MaxAttempts  int
	Dependencies []string
}

// Enqueue persists a new pending task and ranks it for dequeue. It returns
// the stored record; an unreachable store is reported as ErrStoreUnavailable.
func (q *RedisQueue) Enqueue(ctx context.Context, p EnqueueParams) (models.Task, error) {
	if p.Priority == 0 {
		p.Priority = models.PriorityNormal
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	now := time.Now().UnixMilli()
	task := models.Task{
		ID:           uuid.New().String(),
		Type:         p.Type,
		WorkspaceID:  p.WorkspaceID,
		StoryID:      p.StoryID,
		Payload:      p.Payload,
		Priority:     p.Priority,
		Status:       models.StatusPending,
		MaxAttempts:  p.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
		Dependencies: p.Dependencies,
	}
	if err := task.Validate(); err != nil {
		return models.Task{}, err
	}

	fields, err := taskHash(task)
	if err != nil {
		return models.Task{}, err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(task.ID), fields)
	pipe.ZAdd(ctx, pendingKey(task.Type), redis.Z{
		Score:  pendingScore(task.Priority, task.CreatedAt),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Task{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return task, nil
}

// Dequeue atomically claims the best eligible pending task among the accepted
// types for workerID: the record transitions to in_progress with its attempt
// incremented and owner stamped, all inside one script. It returns (nil, nil)
// when nothing is eligible.
func (q *RedisQueue) Dequeue(ctx context.Context, acceptedTypes []string, workerID string) (*models.Task, error) {
	if len(acceptedTypes) == 0 {
		acceptedTypes = models.AllTypes
	}
	keys := make([]string, 0, len(acceptedTypes)*2)
	for _, t := range acceptedTypes {
		keys = append(keys, pendingKey(t))
	}
	for _, t := range acceptedTypes {
		keys = append(keys, inflightKey(t))
	}

	res, err := claimScript.Run(ctx, q.client, keys,
		time.Now().UnixMilli(), workerID, q.taskPrefix, claimScanLimit).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	pairs, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		v, _ := pairs[i+1].(string)
		fields[k] = v
	}
	task, err := taskFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("decode claimed task: %w", err)
	}
	return &task, nil
}

// Complete transitions an in_progress task owned by workerID to completed and
// records its result. Double completion or a non-owner call is a no-op
// reported as ErrInvalidTransition.
func (q *RedisQueue) Complete(ctx context.Context, id, workerID string, result map[string]any) error {
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if result == nil {
		result = map[string]any{}
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	keys := []string{q.taskKey(id), inflightKey(task.Type), completedKey(task.Type)}
	res, err := completeScript.Run(ctx, q.client, keys,
		id, workerID, string(resultJSON), time.Now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if res != 1 {
		return fmt.Errorf("%w: complete %s by %s", ErrInvalidTransition, id, workerID)
	}
	return nil
}

// Fail reports a handler failure for a task owned by workerID. A retryable
// failure with attempts remaining re-queues the task as pending with its
// priority boosted; otherwise the task is dead-lettered with the error
// persisted for inspection. The returned flag reports whether the task was
// re-queued.
func (q *RedisQueue) Fail(ctx context.Context, id, workerID, errMsg string, retryable bool) (bool, error) {
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return false, err
	}

	flag := "0"
	if retryable {
		flag = "1"
	}
	keys := []string{q.taskKey(id), inflightKey(task.Type), pendingKey(task.Type), deadKey(task.Type)}
	res, err := failScript.Run(ctx, q.client, keys,
		id, workerID, errMsg, flag, time.Now().UnixMilli()).Text()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	switch res {
	case "requeued":
		return true, nil
	case "dead":
		return false, nil
	default:
		return false, fmt.Errorf("%w: fail %s by %s", ErrInvalidTransition, id, workerID)
	}
}

// GetTask fetches a task record by id.
func (q *RedisQueue) GetTask(ctx context.Context, id string) (models.Task, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return models.Task{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return models.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	task, err := taskFromHash(fields)
	if err != nil {
		return models.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// Stats reads per-type, per-status counts from the persisted structures.
// Worker-local counters are never consulted; this is the global view.
func (q *RedisQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	type typeCmds struct {
		pending, inflight, completed, dead *redis.IntCmd
	}
	cmds := make(map[string]typeCmds, len(models.AllTypes))
	for _, t := range models.AllTypes {
		cmds[t] = typeCmds{
			pending:   pipe.ZCard(ctx, pendingKey(t)),
			inflight:  pipe.ZCard(ctx, inflightKey(t)),
			completed: pipe.ZCard(ctx, completedKey(t)),
			dead:      pipe.ZCard(ctx, deadKey(t)),
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	stats := models.QueueStats{Types: make(map[string]models.TypeCounts, len(cmds))}
	for t, c := range cmds {
		stats.Types[t] = models.TypeCounts{
			Pending:    c.pending.Val(),
			InProgress: c.inflight.Val(),
			Completed:  c.completed.Val(),
			Dead:       c.dead.Val(),
		}
	}
	return stats, nil
}

// defaultDeadLimit bounds ListDead when the caller passes no usable limit;
// a non-positive limit must never dump the whole dead set.
const defaultDeadLimit = 100

// ListDead returns up to limit dead-lettered tasks per type, newest first,
// for manual reprocessing or alerting.
func (q *RedisQueue) ListDead(ctx context.Context, limit int64) ([]models.Task, error) {
	if limit <= 0 {
		limit = defaultDeadLimit
	}
	var out []models.Task
	for _, t := range models.AllTypes {
		ids, err := q.client.ZRevRange(ctx, deadKey(t), 0, limit-1).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for _, id := range ids {
			task, err := q.GetTask(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, task)
		}
	}
	return out, nil
}

// CleanupOldTasks removes completed and dead records whose updated_at is
// older than retention, returning the removed records so callers can archive
// them first. Pending and in_progress tasks are never touched.
func (q *RedisQueue) CleanupOldTasks(ctx context.Context, retention time.Duration) ([]models.Task, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	max := fmt.Sprintf("%d", cutoff)

	var removed []models.Task
	for _, t := range models.AllTypes {
		for _, key := range []string{completedKey(t), deadKey(t)} {
			ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			if len(ids) == 0 {
				continue
			}
			for _, id := range ids {
				task, err := q.GetTask(ctx, id)
				if err == nil {
					removed = append(removed, task)
				}
			}
			pipe := q.client.TxPipeline()
			for _, id := range ids {
				pipe.ZRem(ctx, key, id)
				pipe.Del(ctx, q.taskKey(id))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		}
	}
	return removed, nil
}

// Ping verifies store connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// taskHash flattens a task into hash fields. Opaque JSON (payload, result,
// dependencies) is encoded once here and stored as raw strings so the Lua
// scripts can move the record through its lifecycle without ever decoding
// and re-encoding it.
func taskHash(t models.Task) (map[string]any, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	fields := map[string]any{
		"id":           t.ID,
		"type":         t.Type,
		"workspace_id": t.WorkspaceID,
		"story_id":     t.StoryID,
		"payload":      string(payload),
		"priority":     t.Priority,
		"status":       t.Status,
		"attempt":      t.Attempt,
		"max_attempts": t.MaxAttempts,
		"created_at":   t.CreatedAt,
		"updated_at":   t.UpdatedAt,
	}
	if len(t.Dependencies) > 0 {
		deps, err := json.Marshal(t.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("marshal dependencies: %w", err)
		}
		fields["dependencies"] = string(deps)
	}
	return fields, nil
}

// taskFromHash rebuilds a task from its hash fields.
func taskFromHash(fields map[string]string) (models.Task, error) {
	task := models.Task{
		ID:            fields["id"],
		Type:          fields["type"],
		WorkspaceID:   fields["workspace_id"],
		StoryID:       fields["story_id"],
		Status:        fields["status"],
		OwnerWorkerID: fields["owner_worker_id"],
		Error:         fields["error"],
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"priority", &task.Priority},
		{"attempt", &task.Attempt},
		{"max_attempts", &task.MaxAttempts},
	} {
		n, err := strconv.Atoi(fields[f.name])
		if err != nil {
			return models.Task{}, fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = n
	}
	for _, f := range []struct {
		name string
		dst  *int64
	}{
		{"created_at", &task.CreatedAt},
		{"updated_at", &task.UpdatedAt},
	} {
		n, err := strconv.ParseInt(fields[f.name], 10, 64)
		if err != nil {
			return models.Task{}, fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = n
	}
	if err := json.Unmarshal([]byte(fields["payload"]), &task.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if raw := fields["result"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if raw := fields["dependencies"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &task.Dependencies); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	return task, nil
}
