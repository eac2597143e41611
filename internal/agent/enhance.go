package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/shortcut"
)

// StoryEnhancement is the rewrite produced by the enhancement agent.
type StoryEnhancement struct {
	EnhancedTitle       string   `json:"enhanced_title"`
	EnhancedDescription string   `json:"enhanced_description"`
	ChangesMade         []string `json:"changes_made"`
}

const enhancementPrompt = `You are a senior product manager improving a
ticket from a story tracker. Rewrite the title and description for clarity,
structure, and completeness, keeping every factual detail. Use the review
below to target the weakest areas.

Respond with JSON only, matching exactly this shape:
{"enhanced_title": "...", "enhanced_description": "...", "changes_made": [...]}

Story title: %s

Story description:
%s

Review:
%s`

// HandleEnhancement rewrites the story's title and description, applies the
// changes, posts a summary comment, and swaps the enhance label for
// enhanced. The review from the analysis task it depends on is reused when
// available.
func (a *Agents) HandleEnhancement(ctx context.Context, task models.Task) (map[string]any, error) {
	client, err := a.clientFor(task.WorkspaceID)
	if err != nil {
		return nil, err
	}

	story, err := client.GetStory(ctx, task.StoryID)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	review := a.reviewFromDependency(ctx, task)

	var enhancement StoryEnhancement
	prompt := fmt.Sprintf(enhancementPrompt, story.Name, story.Description, review)
	if err := a.generator.GenerateJSON(ctx, prompt, &enhancement); err != nil {
		return nil, classifyLLMError(err)
	}

	update := shortcut.StoryUpdate{}
	var updatedFields []string
	if enhancement.EnhancedTitle != "" && enhancement.EnhancedTitle != story.Name {
		update.Name = &enhancement.EnhancedTitle
		updatedFields = append(updatedFields, "name")
	}
	if enhancement.EnhancedDescription != "" && enhancement.EnhancedDescription != story.Description {
		update.Description = &enhancement.EnhancedDescription
		updatedFields = append(updatedFields, "description")
	}
	if len(updatedFields) > 0 {
		if _, err := client.UpdateStory(ctx, task.StoryID, update); err != nil {
			return nil, classifyAPIError(err)
		}
	}

	comment, err := client.AddComment(ctx, task.StoryID, formatEnhancementComment(enhancement))
	if err != nil {
		return nil, classifyAPIError(err)
	}

	if _, err := client.UpdateStory(ctx, task.StoryID, shortcut.StoryUpdate{
		LabelAdds:   []string{"enhanced"},
		LabelRemove: []string{"enhance", "enhancement"},
	}); err != nil {
		a.logger.Error("label update failed after enhancement",
			"story_id", task.StoryID, "error", err)
	}

	return map[string]any{
		"status":         "completed",
		"updated_fields": updatedFields,
		"changes_made":   enhancement.ChangesMade,
		"comment_id":     comment.ID,
	}, nil
}

// reviewFromDependency fetches the analysis result recorded by the task this
// enhancement declared a dependency on. A missing or malformed result is not
// fatal: the rewrite proceeds without the review context.
func (a *Agents) reviewFromDependency(ctx context.Context, task models.Task) string {
	id, _ := task.Payload["analysis_task_id"].(string)
	if id == "" {
		return "(no prior review available)"
	}
	dep, err := a.scheduler.GetTask(ctx, id)
	if err != nil {
		a.logger.Warn("analysis dependency not readable", "analysis_task_id", id, "error", err)
		return "(no prior review available)"
	}
	raw, err := json.MarshalIndent(dep.Result["analysis"], "", "  ")
	if err != nil || dep.Result["analysis"] == nil {
		return "(no prior review available)"
	}
	return string(raw)
}

func formatEnhancementComment(e StoryEnhancement) string {
	var b strings.Builder
	b.WriteString("## Story Enhancement Applied\n\n")
	b.WriteString("This story has been enhanced to improve clarity, structure, and completeness.\n")
	if len(e.ChangesMade) > 0 {
		b.WriteString("\n### Changes Made\n")
		for _, change := range e.ChangesMade {
			if change != "" {
				fmt.Fprintf(&b, "- %s\n", change)
			}
		}
	}
	b.WriteString("\n_Enhanced by Shortcut Enhancer_")
	return b.String()
}
