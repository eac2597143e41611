package worker

import (
	"context"
	"fmt"

	"shortcut-enhancer/internal/models"
)

// Handler processes one task and returns its result. Handlers classify their
// own failures: wrap with Permanent for errors that must not retry.
type Handler func(ctx context.Context, task models.Task) (map[string]any, error)

// Registry maps the closed set of task types to handlers. It is built once
// at startup and validated for completeness before the worker polls.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Unknown types are rejected so a
// typo cannot silently register a handler nothing will ever dispatch to.
func (r *Registry) Register(taskType string, h Handler) error {
	if !models.ValidType(taskType) {
		return fmt.Errorf("register handler: unknown task type %q", taskType)
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for %q", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Handler looks up the handler for a task type.
func (r *Registry) Handler(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// Validate checks that every accepted type has a handler. The worker refuses
// to start otherwise.
func (r *Registry) Validate(acceptedTypes []string) error {
	if len(acceptedTypes) == 0 {
		acceptedTypes = models.AllTypes
	}
	for _, t := range acceptedTypes {
		if !models.ValidType(t) {
			return fmt.Errorf("accepted task type %q is not a known type", t)
		}
		if _, ok := r.handlers[t]; !ok {
			return fmt.Errorf("no handler registered for accepted task type %q", t)
		}
	}
	return nil
}
