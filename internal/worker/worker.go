package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/telemetry"
)

// State names for the worker loop.
const (
	StateIdle        = "idle"
	StatePolling     = "polling"
	StateDispatching = "dispatching"
	StateDraining    = "draining"
	StateStopped     = "stopped"
)

// TaskQueue is the queue manager surface the worker needs. The concrete
// implementation is injected so tests can run against an in-memory store.
type TaskQueue interface {
	Dequeue(ctx context.Context, acceptedTypes []string, workerID string) (*models.Task, error)
	Complete(ctx context.Context, id, workerID string, result map[string]any) error
	Fail(ctx context.Context, id, workerID, errMsg string, retryable bool) (bool, error)
}

// Config holds worker runtime settings.
type Config struct {
	WorkerID       string
	TaskTypes      []string
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Stats is a snapshot of this worker's local counters. A global view comes
// from the queue store, not from aggregating these.
type Stats struct {
	Processed int64     `json:"processed"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	StartedAt time.Time `json:"started_at"`
}

// Worker polls the queue, dispatches claimed tasks to registered handlers,
// and reports outcomes back to the queue manager. One task is in flight at a
// time; shutdown drains the current dispatch before stopping.
type Worker struct {
	cfg      Config
	queue    TaskQueue
	registry *Registry
	logger   *slog.Logger

	state atomic.Value // string

	mu    sync.Mutex
	stats Stats
}

// New validates the registry against the accepted types and builds a worker.
// An empty WorkerID gets a hostname-pid identity.
func New(cfg Config, q TaskQueue, registry *Registry, logger *slog.Logger) (*Worker, error) {
	if err := registry.Validate(cfg.TaskTypes); err != nil {
		return nil, err
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	w := &Worker{
		cfg:      cfg,
		queue:    q,
		registry: registry,
		logger:   logger.With("worker_id", cfg.WorkerID),
	}
	w.state.Store(StateIdle)
	return w, nil
}

// ID returns the worker's identity as stamped on claimed tasks.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// State reports the current loop state.
func (w *Worker) State() string { return w.state.Load().(string) }

// Stats returns a snapshot of the local counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run executes the polling loop until ctx is cancelled. Queue store errors
// back off and retry; they never terminate the loop. On cancellation the
// worker stops claiming, finishes any dispatched task, and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.stats.StartedAt = time.Now().UTC()
	w.mu.Unlock()

	w.logger.Info("worker started",
		"task_types", w.cfg.TaskTypes,
		"poll_interval", w.cfg.PollInterval)

	storeFailures := 0
	for {
		if ctx.Err() != nil {
			return w.drain()
		}

		w.state.Store(StatePolling)
		task, err := w.queue.Dequeue(ctx, w.cfg.TaskTypes, w.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return w.drain()
			}
			storeFailures++
			delay := backoffWithJitter(w.cfg.BackoffInitial, w.cfg.BackoffMax, storeFailures)
			w.logger.Warn("queue store error, backing off",
				"error", err, "failures", storeFailures, "delay", delay)
			if !sleepCtx(ctx, delay) {
				return w.drain()
			}
			continue
		}
		storeFailures = 0

		if task == nil {
			w.state.Store(StateIdle)
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return w.drain()
			}
			continue
		}

		w.state.Store(StateDispatching)
		// Cancellation is cooperative: a dispatched task always runs to
		// completion, so the handler and the outcome report get a context
		// detached from the shutdown signal.
		w.dispatch(context.WithoutCancel(ctx), *task)
	}
}

func (w *Worker) drain() error {
	w.state.Store(StateDraining)
	w.logger.Info("worker draining")
	w.state.Store(StateStopped)
	w.logger.Info("worker stopped", "stats", w.Stats())
	return nil
}

// dispatch runs the handler for one claimed task and reports the outcome.
// Handler errors and panics never escape this boundary unclassified.
func (w *Worker) dispatch(ctx context.Context, task models.Task) {
	log := w.logger.With(
		"task_id", task.ID,
		"task_type", task.Type,
		"attempt", task.Attempt,
		"workspace_id", task.WorkspaceID,
		"story_id", task.StoryID)
	ctx = ContextWithTask(ctx, TaskMeta{
		TaskID:   task.ID,
		Type:     task.Type,
		Attempt:  task.Attempt,
		WorkerID: w.cfg.WorkerID,
	})

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	result, err := w.invoke(ctx, task)
	telemetry.TaskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	w.mu.Lock()
	w.stats.Processed++
	if err == nil {
		w.stats.Succeeded++
	} else {
		w.stats.Failed++
	}
	w.mu.Unlock()

	if err == nil {
		if cerr := w.queue.Complete(ctx, task.ID, w.cfg.WorkerID, result); cerr != nil {
			log.Error("failed to report completion", "error", cerr)
			return
		}
		telemetry.WorkerSuccess.WithLabelValues(task.Type).Inc()
		log.Info("task completed", "duration", time.Since(start))
		return
	}

	retryable := !IsPermanent(err)
	requeued, ferr := w.queue.Fail(ctx, task.ID, w.cfg.WorkerID, err.Error(), retryable)
	if ferr != nil {
		log.Error("failed to report failure", "error", ferr, "task_error", err)
		return
	}
	if requeued {
		telemetry.WorkerRetries.WithLabelValues(task.Type).Inc()
		log.Warn("task failed, re-queued for retry", "error", err)
	} else {
		telemetry.WorkerDeadLetter.WithLabelValues(task.Type).Inc()
		log.Error("task dead-lettered", "error", err, "retryable", retryable)
	}
}

// invoke looks up and runs the handler, converting panics into retryable
// errors so an escaping exception can never kill the polling loop.
func (w *Worker) invoke(ctx context.Context, task models.Task) (result map[string]any, err error) {
	handler, ok := w.registry.Handler(task.Type)
	if !ok {
		return nil, Permanentf("no handler registered for task type %q", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// sleepCtx sleeps for d or until ctx is cancelled; it reports whether the
// full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffWithJitter grows exponentially from base, capped at max, with up to
// 50% jitter.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
