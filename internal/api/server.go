// Package api exposes the webhook intake and queue inspection endpoints.
// Webhook handling does no story processing itself: it validates, rate
// limits, and enqueues a triage task so Shortcut gets its 200 back fast.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"shortcut-enhancer/internal/config"
	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/queue"
	"shortcut-enhancer/internal/ratelimit"
	"shortcut-enhancer/internal/store"
	"shortcut-enhancer/internal/telemetry"
)

// Server wires HTTP handlers for webhook intake and queue inspection.
type Server struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	archive *store.Store
	limiter *ratelimit.WorkspaceLimiter
	logger  *slog.Logger
}

// New constructs the API server. archive may be nil when audit logging is
// not wanted.
func New(cfg config.Config, q *queue.RedisQueue, archive *store.Store, limiter *ratelimit.WorkspaceLimiter, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, queue: q, archive: archive, limiter: limiter, logger: logger}
}

// audit records a task transition; failures are logged, never surfaced.
func (s *Server) audit(r *http.Request, taskID, event, detail string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.AppendAudit(r.Context(), taskID, event, detail); err != nil {
		s.logger.Warn("audit append failed", "task_id", taskID, "event", event, "error", err)
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhook/{workspace}", s.handleWebhook)
	r.Post("/tasks", s.handleEnqueue)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/archive/{id}", s.handleGetArchived)
	r.Get("/stats", s.handleStats)
	r.Get("/dead", s.handleDead)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook accepts a raw Shortcut webhook and enqueues a triage task.
// The event body is carried verbatim in the task payload; all label
// inspection happens later in the worker.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	workspace := chi.URLParam(r, "workspace")
	if workspace == "" {
		http.Error(w, "workspace is required", http.StatusBadRequest)
		return
	}

	var event map[string]any
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), workspace)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "workspace_id", workspace, "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	task, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:        models.TypeTriage,
		WorkspaceID: workspace,
		StoryID:     storyIDFromEvent(event),
		Priority:    models.PriorityHigh,
		MaxAttempts: s.cfg.MaxAttempts,
		Payload:     map[string]any{"webhook": event},
	})
	if err != nil {
		s.logger.Error("webhook enqueue failed", "workspace_id", workspace, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(models.TypeTriage).Inc()
	s.audit(r, task.ID, "enqueued", "triage task from webhook, workspace="+workspace)

	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID, "status": task.Status})
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	WorkspaceID  string         `json:"workspace_id"`
	StoryID      string         `json:"story_id"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	MaxAttempts  int            `json:"max_attempts"`
	Dependencies []string       `json:"dependencies"`
}

// handleEnqueue creates an arbitrary task; used by operators to schedule
// update and notification work directly.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	task, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:         req.Type,
		WorkspaceID:  req.WorkspaceID,
		StoryID:      req.StoryID,
		Payload:      req.Payload,
		Priority:     req.Priority,
		MaxAttempts:  req.MaxAttempts,
		Dependencies: req.Dependencies,
	})
	if err != nil {
		if errors.Is(err, queue.ErrStoreUnavailable) {
			http.Error(w, "queue store unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(task.Type).Inc()
	s.audit(r, task.ID, "enqueued", "type="+task.Type)

	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.queue.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleGetArchived looks up a task swept into the Postgres archive, so a
// record aged out of Redis stays inspectable by id.
func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	task, err := s.archive.GetArchivedTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrArchivedNotFound) {
			http.Error(w, "archived task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to read archive", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	telemetry.QueueDepthGauge.Set(float64(stats.Total(models.StatusPending)))
	telemetry.InFlightGauge.Set(float64(stats.Total(models.StatusInProgress)))
	writeJSON(w, http.StatusOK, stats)
}

// handleDead returns the most recently dead-lettered tasks.
func (s *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.ListDead(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// storyIDFromEvent pulls the primary story id out of a webhook body. Events
// carry actions on the changed entity; the first story action wins.
func storyIDFromEvent(event map[string]any) string {
	if data, ok := event["data"].(map[string]any); ok {
		event = data
	}
	actions, ok := event["actions"].([]any)
	if !ok {
		return ""
	}
	for _, a := range actions {
		action, ok := a.(map[string]any)
		if !ok || action["entity_type"] != "story" {
			continue
		}
		if id, ok := action["id"].(float64); ok {
			return strconv.FormatInt(int64(id), 10)
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
