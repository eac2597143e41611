package models

import (
	"fmt"
	"time"
)

// Task statuses persisted in the queue store.
const (
	StatusPending        = "pending"
	StatusInProgress     = "in_progress"
	StatusCompleted      = "completed"
	StatusFailedRetry    = "failed_retryable"
	StatusDead           = "dead"
)

// Task types form a closed set; the worker refuses to start unless every
// accepted type has a registered handler.
const (
	TypeTriage       = "triage"
	TypeAnalysis     = "analysis"
	TypeEnhancement  = "enhancement"
	TypeUpdate       = "update"
	TypeNotification = "notification"
)

// AllTypes lists every known task type.
var AllTypes = []string{TypeTriage, TypeAnalysis, TypeEnhancement, TypeUpdate, TypeNotification}

// Priority ranks: lower value is served first.
const (
	PriorityHigh   = 10
	PriorityNormal = 20
	PriorityLow    = 30
)

// Task is the queue record for one unit of deferred story-processing work.
// Timestamps are unix milliseconds.
type Task struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	WorkspaceID   string         `json:"workspace_id"`
	StoryID       string         `json:"story_id"`
	Payload       map[string]any `json:"payload"`
	Priority      int            `json:"priority"`
	Status        string         `json:"status"`
	Attempt       int            `json:"attempt"`
	MaxAttempts   int            `json:"max_attempts"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
	OwnerWorkerID string         `json:"owner_worker_id,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// CreatedTime returns created_at as a time.Time.
func (t Task) CreatedTime() time.Time { return time.UnixMilli(t.CreatedAt) }

// UpdatedTime returns updated_at as a time.Time.
func (t Task) UpdatedTime() time.Time { return time.UnixMilli(t.UpdatedAt) }

// Terminal reports whether the task can no longer change state.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusDead
}

// ValidType reports whether s names a known task type.
func ValidType(s string) bool {
	for _, t := range AllTypes {
		if t == s {
			return true
		}
	}
	return false
}

// TypeCounts holds per-status counts for one task type.
type TypeCounts struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Dead       int64 `json:"dead"`
}

// QueueStats is the persisted, cross-worker view of the queue.
type QueueStats struct {
	Types map[string]TypeCounts `json:"types"`
}

// Total sums one status across all types.
func (s QueueStats) Total(status string) int64 {
	var n int64
	for _, c := range s.Types {
		switch status {
		case StatusPending:
			n += c.Pending
		case StatusInProgress:
			n += c.InProgress
		case StatusCompleted:
			n += c.Completed
		case StatusDead:
			n += c.Dead
		}
	}
	return n
}

// Validate checks the fields a producer controls.
func (t Task) Validate() error {
	if !ValidType(t.Type) {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	if t.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", t.MaxAttempts)
	}
	return nil
}
