package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newWorkerQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func registryWith(t *testing.T, taskType string, h Handler) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(taskType, h); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func waitForStatus(t *testing.T, q *queue.RedisQueue, id, status string) models.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.GetTask(context.Background(), id)
		if err == nil && task.Status == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, err := q.GetTask(context.Background(), id)
	t.Fatalf("task %s never reached %s: %+v err=%v", id, status, task, err)
	return models.Task{}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("mystery", func(context.Context, models.Task) (map[string]any, error) { return nil, nil }); err == nil {
		t.Fatalf("expected error registering unknown type")
	}
	if err := r.Register(models.TypeTriage, nil); err == nil {
		t.Fatalf("expected error registering nil handler")
	}
	if err := r.Validate([]string{models.TypeTriage}); err == nil {
		t.Fatalf("expected validation failure for missing handler")
	}
	_ = r.Register(models.TypeTriage, func(context.Context, models.Task) (map[string]any, error) { return nil, nil })
	if err := r.Validate([]string{models.TypeTriage}); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestWorkerCompletesTask(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	var gotMeta TaskMeta
	reg := registryWith(t, models.TypeNotification, func(hctx context.Context, task models.Task) (map[string]any, error) {
		gotMeta, _ = TaskFromContext(hctx)
		return map[string]any{"echo": task.Payload["msg"]}, nil
	})

	w, err := New(Config{
		WorkerID:     "w-test",
		TaskTypes:    []string{models.TypeNotification},
		PollInterval: 5 * time.Millisecond,
	}, q, reg, testLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	task, err := q.Enqueue(ctx, queue.EnqueueParams{
		Type:    models.TypeNotification,
		Payload: map[string]any{"msg": "hello"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	final := waitForStatus(t, q, task.ID, models.StatusCompleted)
	if final.Result["echo"] != "hello" {
		t.Fatalf("result not recorded: %+v", final.Result)
	}
	if gotMeta.TaskID != task.ID || gotMeta.Attempt != 1 || gotMeta.WorkerID != "w-test" {
		t.Fatalf("handler context metadata wrong: %+v", gotMeta)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.State() != StateStopped {
		t.Fatalf("state after shutdown: %s", w.State())
	}
	stats := w.Stats()
	if stats.Processed != 1 || stats.Succeeded != 1 || stats.Failed != 0 {
		t.Fatalf("stats wrong: %+v", stats)
	}
}

func TestWorkerDeadLettersPermanentErrors(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	reg := registryWith(t, models.TypeUpdate, func(context.Context, models.Task) (map[string]any, error) {
		return nil, Permanentf("payload missing label set")
	})
	w, err := New(Config{TaskTypes: []string{models.TypeUpdate}, PollInterval: 5 * time.Millisecond}, q, reg, testLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	task, _ := q.Enqueue(ctx, queue.EnqueueParams{Type: models.TypeUpdate, MaxAttempts: 5})
	final := waitForStatus(t, q, task.ID, models.StatusDead)
	if final.Attempt != 1 {
		t.Fatalf("permanent failure retried: attempt=%d", final.Attempt)
	}
}

func TestWorkerRetriesTransientErrorsThenDeadLetters(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	var calls atomic.Int64
	reg := registryWith(t, models.TypeAnalysis, func(context.Context, models.Task) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("downstream timeout")
	})
	w, err := New(Config{TaskTypes: []string{models.TypeAnalysis}, PollInterval: 5 * time.Millisecond}, q, reg, testLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	task, _ := q.Enqueue(ctx, queue.EnqueueParams{Type: models.TypeAnalysis, MaxAttempts: 3})
	final := waitForStatus(t, q, task.ID, models.StatusDead)
	if final.Attempt != 3 {
		t.Fatalf("expected 3 attempts, got %d", final.Attempt)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler called %d times, want 3", got)
	}
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	q := newWorkerQueue(t)
	ctx := context.Background()

	reg := registryWith(t, models.TypeTriage, func(context.Context, models.Task) (map[string]any, error) {
		panic("nil map write")
	})
	w, err := New(Config{TaskTypes: []string{models.TypeTriage}, PollInterval: 5 * time.Millisecond}, q, reg, testLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	task, _ := q.Enqueue(ctx, queue.EnqueueParams{Type: models.TypeTriage, MaxAttempts: 1})
	final := waitForStatus(t, q, task.ID, models.StatusDead)
	if final.Error == "" {
		t.Fatalf("panic not recorded as error")
	}
}

// flakyQueue fails every Dequeue to exercise the store-error backoff path.
type flakyQueue struct {
	calls atomic.Int64
}

func (f *flakyQueue) Dequeue(context.Context, []string, string) (*models.Task, error) {
	f.calls.Add(1)
	return nil, queue.ErrStoreUnavailable
}
func (f *flakyQueue) Complete(context.Context, string, string, map[string]any) error { return nil }
func (f *flakyQueue) Fail(context.Context, string, string, string, bool) (bool, error) {
	return false, nil
}

func TestWorkerSurvivesStoreOutage(t *testing.T) {
	fq := &flakyQueue{}
	reg := registryWith(t, models.TypeTriage, func(context.Context, models.Task) (map[string]any, error) { return nil, nil })
	w, err := New(Config{
		TaskTypes:      []string{models.TypeTriage},
		PollInterval:   time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}, fq, reg, testLogger())
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := w.Run(runCtx); err != nil {
		t.Fatalf("run returned error on store outage: %v", err)
	}
	if fq.calls.Load() < 2 {
		t.Fatalf("worker stopped retrying after %d calls", fq.calls.Load())
	}
	if w.State() != StateStopped {
		t.Fatalf("state: %s", w.State())
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}
	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
	b20 := backoffWithJitter(base, max, 20)
	if b20 > max {
		t.Fatalf("backoff exceeded cap: %s", b20)
	}
}
