package agent

import (
	"context"
	"strings"

	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/queue"
	"shortcut-enhancer/internal/worker"
)

// Workflow names decided by triage.
const (
	WorkflowEnhance = "enhance"
	WorkflowAnalyse = "analyse"
)

// HandleTriage inspects a webhook payload for the enhance / analyse labels
// and schedules the matching workflow. The enhance workflow enqueues an
// analysis task plus an enhancement task that depends on it, so the rewrite
// never runs before the review has completed.
func (a *Agents) HandleTriage(ctx context.Context, task models.Task) (map[string]any, error) {
	webhook, ok := task.Payload["webhook"].(map[string]any)
	if !ok {
		return nil, worker.Permanentf("triage payload missing webhook body")
	}

	workflow := detectWorkflow(webhook)
	if workflow == "" {
		a.logger.Info("no relevant labels found",
			"workspace_id", task.WorkspaceID, "story_id", task.StoryID)
		return map[string]any{"processed": false, "reason": "no relevant labels found"}, nil
	}

	analysis, err := a.scheduler.Enqueue(ctx, queue.EnqueueParams{
		Type:        models.TypeAnalysis,
		WorkspaceID: task.WorkspaceID,
		StoryID:     task.StoryID,
		Priority:    models.PriorityNormal,
		Payload:     map[string]any{"workflow": workflow},
	})
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"processed":        true,
		"workflow":         workflow,
		"analysis_task_id": analysis.ID,
	}

	if workflow == WorkflowEnhance {
		enhancement, err := a.scheduler.Enqueue(ctx, queue.EnqueueParams{
			Type:         models.TypeEnhancement,
			WorkspaceID:  task.WorkspaceID,
			StoryID:      task.StoryID,
			Priority:     models.PriorityNormal,
			Payload:      map[string]any{"analysis_task_id": analysis.ID},
			Dependencies: []string{analysis.ID},
		})
		if err != nil {
			return nil, err
		}
		result["enhancement_task_id"] = enhancement.ID
	}
	return result, nil
}

// detectWorkflow scans the webhook's references and label_ids changes for
// the enhance or analyse/analyze labels. Enhance wins when both are present.
func detectWorkflow(webhook map[string]any) string {
	// Some webhook logs nest the event under "data".
	if data, ok := webhook["data"].(map[string]any); ok {
		webhook = data
	}

	labels := map[string]bool{}
	labelByID := map[any]string{}

	if refs, ok := webhook["references"].([]any); ok {
		for _, r := range refs {
			ref, ok := r.(map[string]any)
			if !ok || ref["entity_type"] != "label" {
				continue
			}
			name, _ := ref["name"].(string)
			name = strings.ToLower(name)
			labels[name] = true
			labelByID[ref["id"]] = name
		}
	}

	added := map[string]bool{}
	if actions, ok := webhook["actions"].([]any); ok {
		for _, a := range actions {
			action, ok := a.(map[string]any)
			if !ok || action["action"] != "update" {
				continue
			}
			changes, ok := action["changes"].(map[string]any)
			if !ok {
				continue
			}
			labelIDs, ok := changes["label_ids"].(map[string]any)
			if !ok {
				continue
			}
			adds, ok := labelIDs["adds"].([]any)
			if !ok {
				continue
			}
			for _, id := range adds {
				if name, ok := labelByID[id]; ok {
					added[name] = true
				}
			}
		}
	}

	// Prefer label adds from this event; fall back to any label reference
	// (story-create events carry labels only as references).
	pick := added
	if len(pick) == 0 {
		pick = labels
	}
	switch {
	case pick["enhance"]:
		return WorkflowEnhance
	case pick["analyse"], pick["analyze"]:
		return WorkflowAnalyse
	default:
		return ""
	}
}
