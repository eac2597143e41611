package worker

import "context"

// TaskMeta carries task identity through the handler call chain for logging
// and trace correlation.
type TaskMeta struct {
	TaskID   string
	Type     string
	Attempt  int
	WorkerID string
}

type taskMetaKey struct{}

// ContextWithTask attaches task metadata to ctx.
func ContextWithTask(ctx context.Context, meta TaskMeta) context.Context {
	return context.WithValue(ctx, taskMetaKey{}, meta)
}

// TaskFromContext returns the task metadata attached by the dispatcher.
func TaskFromContext(ctx context.Context) (TaskMeta, bool) {
	meta, ok := ctx.Value(taskMetaKey{}).(TaskMeta)
	return meta, ok
}
