package agent

import (
	"context"

	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/shortcut"
	"shortcut-enhancer/internal/worker"
)

// HandleUpdate applies a direct story change described by the payload:
// optional name/description fields plus label adds and removes.
func (a *Agents) HandleUpdate(ctx context.Context, task models.Task) (map[string]any, error) {
	update := shortcut.StoryUpdate{}
	touched := false

	if name, ok := task.Payload["name"].(string); ok && name != "" {
		update.Name = &name
		touched = true
	}
	if desc, ok := task.Payload["description"].(string); ok && desc != "" {
		update.Description = &desc
		touched = true
	}
	if adds := stringList(task.Payload["label_adds"]); len(adds) > 0 {
		update.LabelAdds = adds
		touched = true
	}
	if removes := stringList(task.Payload["label_removes"]); len(removes) > 0 {
		update.LabelRemove = removes
		touched = true
	}
	if !touched {
		return nil, worker.Permanentf("update payload carries no changes")
	}

	client, err := a.clientFor(task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if _, err := client.UpdateStory(ctx, task.StoryID, update); err != nil {
		return nil, classifyAPIError(err)
	}
	return map[string]any{"status": "completed"}, nil
}

// HandleNotification posts the payload's message as a story comment.
func (a *Agents) HandleNotification(ctx context.Context, task models.Task) (map[string]any, error) {
	message, ok := task.Payload["message"].(string)
	if !ok || message == "" {
		return nil, worker.Permanentf("notification payload missing message")
	}
	client, err := a.clientFor(task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	comment, err := client.AddComment(ctx, task.StoryID, message)
	if err != nil {
		return nil, classifyAPIError(err)
	}
	return map[string]any{"status": "completed", "comment_id": comment.ID}, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
