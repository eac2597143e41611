// Package store archives swept queue records to Postgres. The queue itself
// lives in Redis; this is the long-term record the retention sweep feeds.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"shortcut-enhancer/internal/models"
)

// ErrArchivedNotFound reports a lookup for a task id never archived.
var ErrArchivedNotFound = errors.New("archived task not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ArchiveTasks copies swept terminal tasks into archived_tasks. Re-archiving
// an id is a no-op so a crashed sweep can be retried safely.
func (s *Store) ArchiveTasks(ctx context.Context, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, t := range tasks {
		payloadJSON, err := json.Marshal(t.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for %s: %w", t.ID, err)
		}
		var resultJSON []byte
		if t.Result != nil {
			if resultJSON, err = json.Marshal(t.Result); err != nil {
				return fmt.Errorf("marshal result for %s: %w", t.ID, err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO archived_tasks (id, type, workspace_id, story_id, priority, status, attempt, max_attempts, payload, result, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING
		`, t.ID, t.Type, t.WorkspaceID, t.StoryID, t.Priority, t.Status, t.Attempt, t.MaxAttempts,
			payloadJSON, resultJSON, emptyToNil(t.Error), t.CreatedTime().UTC(), t.UpdatedTime().UTC())
		if err != nil {
			return fmt.Errorf("insert archived task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetArchivedTask fetches one archived record by task id.
func (s *Store) GetArchivedTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, workspace_id, story_id, priority, status, attempt, max_attempts, payload, result, last_error, created_at, updated_at
		FROM archived_tasks WHERE id = $1
	`, id)

	var t models.Task
	var payloadJSON, resultJSON []byte
	var lastErr pgtype.Text
	var createdAt, updatedAt time.Time

	if err := row.Scan(&t.ID, &t.Type, &t.WorkspaceID, &t.StoryID, &t.Priority, &t.Status,
		&t.Attempt, &t.MaxAttempts, &payloadJSON, &resultJSON, &lastErr, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, fmt.Errorf("%w: %s", ErrArchivedNotFound, id)
		}
		return models.Task{}, fmt.Errorf("scan archived task: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &t.Result); err != nil {
			return models.Task{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if lastErr.Valid {
		t.Error = lastErr.String
	}
	t.CreatedAt = createdAt.UnixMilli()
	t.UpdatedAt = updatedAt.UnixMilli()
	return t, nil
}

// AppendAudit adds an audit row for a task transition.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_audit (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
