// Package agent implements the story-processing handlers dispatched by the
// task worker: triage routes incoming webhooks to workflows, analysis and
// enhancement run the Gemini-backed review and rewrite, update and
// notification apply direct story changes.
package agent

import (
	"context"
	"errors"
	"log/slog"

	"shortcut-enhancer/internal/llm"
	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/queue"
	"shortcut-enhancer/internal/shortcut"
	"shortcut-enhancer/internal/worker"
)

// Scheduler enqueues follow-up tasks; satisfied by the queue manager.
type Scheduler interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
}

// Generator produces structured JSON from a prompt; satisfied by llm.Client.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

// StoryAPI is the slice of the Shortcut client the handlers use.
type StoryAPI interface {
	GetStory(ctx context.Context, storyID string) (shortcut.Story, error)
	AddComment(ctx context.Context, storyID, text string) (shortcut.Comment, error)
	UpdateStory(ctx context.Context, storyID string, update shortcut.StoryUpdate) (shortcut.Story, error)
}

// Agents owns the handler set and their shared collaborators.
type Agents struct {
	scheduler Scheduler
	generator Generator
	logger    *slog.Logger

	// clientFor resolves a workspace-scoped Shortcut client; swapped out in
	// tests.
	clientFor func(workspaceID string) (StoryAPI, error)
}

// New builds the agent set against real collaborators.
func New(scheduler Scheduler, generator Generator, apiBase string, logger *slog.Logger) *Agents {
	return &Agents{
		scheduler: scheduler,
		generator: generator,
		logger:    logger,
		clientFor: func(workspaceID string) (StoryAPI, error) {
			token, err := shortcut.TokenForWorkspace(workspaceID)
			if err != nil {
				return nil, err
			}
			return shortcut.NewClient(apiBase, token), nil
		},
	}
}

// Register binds every task type to its handler. The worker validates the
// registry for completeness before polling.
func (a *Agents) Register(reg *worker.Registry) error {
	for taskType, h := range map[string]worker.Handler{
		models.TypeTriage:       a.HandleTriage,
		models.TypeAnalysis:     a.HandleAnalysis,
		models.TypeEnhancement:  a.HandleEnhancement,
		models.TypeUpdate:       a.HandleUpdate,
		models.TypeNotification: a.HandleNotification,
	} {
		if err := reg.Register(taskType, h); err != nil {
			return err
		}
	}
	return nil
}

// classifyAPIError maps Shortcut client failures onto the worker's taxonomy:
// 4xx responses will not succeed on retry, everything else is transient.
func classifyAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *shortcut.APIError
	if errors.As(err, &apiErr) && !apiErr.Transient() {
		return worker.Permanent(err)
	}
	return err
}

// classifyLLMError: blocked or unparsable output dead-letters, API failures
// retry.
func classifyLLMError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, llm.ErrContentBlocked) || errors.Is(err, llm.ErrInvalidResponse) {
		return worker.Permanent(err)
	}
	return err
}
