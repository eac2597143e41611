package agent

import (
	"context"
	"fmt"
	"strings"

	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/shortcut"
)

// SectionReview scores one aspect of a story.
type SectionReview struct {
	Score           int      `json:"score"`
	Strengths       []string `json:"strengths"`
	Weaknesses      []string `json:"weaknesses"`
	Recommendations []string `json:"recommendations"`
}

// StoryAnalysis is the structured review produced by the analysis agent.
type StoryAnalysis struct {
	OverallScore       int           `json:"overall_score"`
	Summary            string        `json:"summary"`
	Title              SectionReview `json:"title_analysis"`
	Description        SectionReview `json:"description_analysis"`
	AcceptanceCriteria SectionReview `json:"acceptance_criteria_analysis"`
	PriorityAreas      []string      `json:"priority_areas"`
}

const analysisPrompt = `You are a senior product manager reviewing a ticket
from a story tracker. Score the story's title, description, and acceptance
criteria from 1-10 and summarize its overall quality.

Respond with JSON only, matching exactly this shape:
{
  "overall_score": <1-10>,
  "summary": "...",
  "title_analysis": {"score": <1-10>, "strengths": [...], "weaknesses": [...], "recommendations": [...]},
  "description_analysis": {"score": <1-10>, "strengths": [...], "weaknesses": [...], "recommendations": [...]},
  "acceptance_criteria_analysis": {"score": <1-10>, "strengths": [...], "weaknesses": [...], "recommendations": [...]},
  "priority_areas": [...]
}

Story title: %s

Story description:
%s`

// HandleAnalysis fetches the story, runs the Gemini review, posts the
// formatted result as a comment, and swaps the analyse label for analysed.
func (a *Agents) HandleAnalysis(ctx context.Context, task models.Task) (map[string]any, error) {
	client, err := a.clientFor(task.WorkspaceID)
	if err != nil {
		return nil, err
	}

	story, err := client.GetStory(ctx, task.StoryID)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	var analysis StoryAnalysis
	prompt := fmt.Sprintf(analysisPrompt, story.Name, story.Description)
	if err := a.generator.GenerateJSON(ctx, prompt, &analysis); err != nil {
		return nil, classifyLLMError(err)
	}

	comment, err := client.AddComment(ctx, task.StoryID, formatAnalysisComment(analysis, task.WorkspaceID, task.StoryID))
	if err != nil {
		return nil, classifyAPIError(err)
	}

	// Label bookkeeping failures are logged but do not fail the task; the
	// analysis itself already landed on the story.
	if _, err := client.UpdateStory(ctx, task.StoryID, shortcut.StoryUpdate{
		LabelAdds:   []string{"analysed"},
		LabelRemove: []string{"analyse", "analyze"},
	}); err != nil {
		a.logger.Error("label update failed after analysis",
			"story_id", task.StoryID, "error", err)
	}

	return map[string]any{
		"status":        "completed",
		"overall_score": analysis.OverallScore,
		"summary":       analysis.Summary,
		"comment_id":    comment.ID,
		"analysis":      analysis,
	}, nil
}

func formatAnalysisComment(a StoryAnalysis, workspaceID, storyID string) string {
	var b strings.Builder
	b.WriteString("## Story Analysis Results\n\n")
	fmt.Fprintf(&b, "**Overall Quality Score**: %d/10\n\n", a.OverallScore)
	fmt.Fprintf(&b, "### Summary\n%s\n", a.Summary)
	writeSection(&b, "Title Analysis", a.Title)
	writeSection(&b, "Description Analysis", a.Description)
	writeSection(&b, "Acceptance Criteria Analysis", a.AcceptanceCriteria)
	if len(a.PriorityAreas) > 0 {
		b.WriteString("\n### Priority Areas for Improvement\n")
		for _, area := range a.PriorityAreas {
			fmt.Fprintf(&b, "- %s\n", area)
		}
	}
	b.WriteString("\n---\n")
	fmt.Fprintf(&b, "Powered by Shortcut Enhancer | [View Story](https://app.shortcut.com/%s/story/%s)", workspaceID, storyID)
	return b.String()
}

func writeSection(b *strings.Builder, title string, s SectionReview) {
	fmt.Fprintf(b, "\n### %s\n**Score**: %d/10\n", title, s.Score)
	writeList(b, "Strengths", s.Strengths)
	writeList(b, "Weaknesses", s.Weaknesses)
	writeList(b, "Recommendations", s.Recommendations)
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n**%s**:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
