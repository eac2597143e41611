package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"shortcut-enhancer/internal/llm"
	"shortcut-enhancer/internal/models"
	"shortcut-enhancer/internal/queue"
	"shortcut-enhancer/internal/shortcut"
	"shortcut-enhancer/internal/worker"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeScheduler records enqueued follow-up tasks.
type fakeScheduler struct {
	enqueued []queue.EnqueueParams
	tasks    map[string]models.Task
}

func (f *fakeScheduler) Enqueue(_ context.Context, p queue.EnqueueParams) (models.Task, error) {
	f.enqueued = append(f.enqueued, p)
	return models.Task{ID: fmt.Sprintf("task-%d", len(f.enqueued)), Type: p.Type}, nil
}

func (f *fakeScheduler) GetTask(_ context.Context, id string) (models.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return models.Task{}, queue.ErrNotFound
	}
	return task, nil
}

// fakeStoryAPI is an in-memory Shortcut client.
type fakeStoryAPI struct {
	story    shortcut.Story
	comments []string
	updates  []shortcut.StoryUpdate
	fail     error
}

func (f *fakeStoryAPI) GetStory(context.Context, string) (shortcut.Story, error) {
	return f.story, f.fail
}

func (f *fakeStoryAPI) AddComment(_ context.Context, _ string, text string) (shortcut.Comment, error) {
	if f.fail != nil {
		return shortcut.Comment{}, f.fail
	}
	f.comments = append(f.comments, text)
	return shortcut.Comment{ID: int64(len(f.comments))}, nil
}

func (f *fakeStoryAPI) UpdateStory(_ context.Context, _ string, update shortcut.StoryUpdate) (shortcut.Story, error) {
	if f.fail != nil {
		return shortcut.Story{}, f.fail
	}
	f.updates = append(f.updates, update)
	return f.story, nil
}

type fakeGenerator struct {
	fill func(out any)
	err  error
}

func (f *fakeGenerator) GenerateJSON(_ context.Context, _ string, out any) error {
	if f.err != nil {
		return f.err
	}
	f.fill(out)
	return nil
}

func newTestAgents(sched *fakeScheduler, gen Generator, api StoryAPI) *Agents {
	a := New(sched, gen, "http://unused", quietLogger())
	a.clientFor = func(string) (StoryAPI, error) { return api, nil }
	return a
}

func labelWebhook(labelID float64, name string) map[string]any {
	return map[string]any{
		"actions": []any{map[string]any{
			"action": "update",
			"changes": map[string]any{
				"label_ids": map[string]any{"adds": []any{labelID}},
			},
		}},
		"references": []any{map[string]any{
			"entity_type": "label", "id": labelID, "name": name,
		}},
	}
}

func TestDetectWorkflow(t *testing.T) {
	cases := []struct {
		name    string
		webhook map[string]any
		want    string
	}{
		{"enhance label added", labelWebhook(1, "Enhance"), WorkflowEnhance},
		{"analyse label added", labelWebhook(2, "analyse"), WorkflowAnalyse},
		{"analyze spelling", labelWebhook(3, "analyze"), WorkflowAnalyse},
		{"unrelated label", labelWebhook(4, "backend"), ""},
		{"nested data envelope", map[string]any{"data": labelWebhook(5, "enhance")}, WorkflowEnhance},
		{"reference only, no actions", map[string]any{
			"references": []any{map[string]any{"entity_type": "label", "id": 9.0, "name": "analyse"}},
		}, WorkflowAnalyse},
		{"empty", map[string]any{}, ""},
	}
	for _, tc := range cases {
		if got := detectWorkflow(tc.webhook); got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestTriageSchedulesEnhanceChain(t *testing.T) {
	sched := &fakeScheduler{}
	a := newTestAgents(sched, &fakeGenerator{}, &fakeStoryAPI{})

	result, err := a.HandleTriage(context.Background(), models.Task{
		WorkspaceID: "acme",
		StoryID:     "42",
		Payload:     map[string]any{"webhook": labelWebhook(1, "enhance")},
	})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if result["processed"] != true || result["workflow"] != WorkflowEnhance {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(sched.enqueued) != 2 {
		t.Fatalf("expected analysis+enhancement, got %d tasks", len(sched.enqueued))
	}
	if sched.enqueued[0].Type != models.TypeAnalysis {
		t.Fatalf("first follow-up should be analysis: %+v", sched.enqueued[0])
	}
	enh := sched.enqueued[1]
	if enh.Type != models.TypeEnhancement {
		t.Fatalf("second follow-up should be enhancement: %+v", enh)
	}
	if len(enh.Dependencies) != 1 || enh.Dependencies[0] != "task-1" {
		t.Fatalf("enhancement must depend on the analysis task: %+v", enh.Dependencies)
	}
}

func TestTriageIgnoresUnlabeledWebhook(t *testing.T) {
	sched := &fakeScheduler{}
	a := newTestAgents(sched, &fakeGenerator{}, &fakeStoryAPI{})

	result, err := a.HandleTriage(context.Background(), models.Task{
		Payload: map[string]any{"webhook": labelWebhook(1, "bug")},
	})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if result["processed"] != false || len(sched.enqueued) != 0 {
		t.Fatalf("unlabeled webhook scheduled work: %+v %+v", result, sched.enqueued)
	}
}

func TestTriageMissingWebhookIsPermanent(t *testing.T) {
	a := newTestAgents(&fakeScheduler{}, &fakeGenerator{}, &fakeStoryAPI{})
	_, err := a.HandleTriage(context.Background(), models.Task{Payload: map[string]any{}})
	if !worker.IsPermanent(err) {
		t.Fatalf("missing webhook should be permanent, got %v", err)
	}
}

func TestAnalysisPostsCommentAndSwapsLabels(t *testing.T) {
	api := &fakeStoryAPI{story: shortcut.Story{ID: 42, Name: "fix login", Description: "broken"}}
	gen := &fakeGenerator{fill: func(out any) {
		*(out.(*StoryAnalysis)) = StoryAnalysis{
			OverallScore: 7,
			Summary:      "decent but thin",
			Title:        SectionReview{Score: 8, Strengths: []string{"concise"}},
		}
	}}
	a := newTestAgents(&fakeScheduler{}, gen, api)

	result, err := a.HandleAnalysis(context.Background(), models.Task{WorkspaceID: "acme", StoryID: "42"})
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	if result["overall_score"] != 7 {
		t.Fatalf("score missing from result: %+v", result)
	}
	if len(api.comments) != 1 || !strings.Contains(api.comments[0], "decent but thin") {
		t.Fatalf("comment not posted: %+v", api.comments)
	}
	if len(api.updates) != 1 {
		t.Fatalf("label swap missing: %+v", api.updates)
	}
	u := api.updates[0]
	if len(u.LabelAdds) != 1 || u.LabelAdds[0] != "analysed" {
		t.Fatalf("label adds wrong: %+v", u)
	}
}

func TestAnalysisClassifiesBlockedOutput(t *testing.T) {
	api := &fakeStoryAPI{story: shortcut.Story{ID: 1}}
	gen := &fakeGenerator{err: fmt.Errorf("wrapped: %w", llm.ErrContentBlocked)}
	a := newTestAgents(&fakeScheduler{}, gen, api)

	_, err := a.HandleAnalysis(context.Background(), models.Task{WorkspaceID: "acme", StoryID: "1"})
	if !worker.IsPermanent(err) {
		t.Fatalf("blocked content should dead-letter, got %v", err)
	}
}

func TestAnalysisRetriesTransientAPIFailure(t *testing.T) {
	api := &fakeStoryAPI{fail: &shortcut.APIError{StatusCode: 503, Body: "down"}}
	a := newTestAgents(&fakeScheduler{}, &fakeGenerator{}, api)

	_, err := a.HandleAnalysis(context.Background(), models.Task{WorkspaceID: "acme", StoryID: "1"})
	if err == nil || worker.IsPermanent(err) {
		t.Fatalf("503 should stay retryable, got %v", err)
	}
}

func TestEnhancementUpdatesStory(t *testing.T) {
	api := &fakeStoryAPI{story: shortcut.Story{ID: 9, Name: "old title", Description: "old body"}}
	gen := &fakeGenerator{fill: func(out any) {
		*(out.(*StoryEnhancement)) = StoryEnhancement{
			EnhancedTitle:       "new title",
			EnhancedDescription: "new body",
			ChangesMade:         []string{"clarified scope"},
		}
	}}
	sched := &fakeScheduler{tasks: map[string]models.Task{
		"an-1": {ID: "an-1", Status: models.StatusCompleted, Result: map[string]any{"analysis": map[string]any{"summary": "thin"}}},
	}}
	a := newTestAgents(sched, gen, api)

	result, err := a.HandleEnhancement(context.Background(), models.Task{
		WorkspaceID: "acme",
		StoryID:     "9",
		Payload:     map[string]any{"analysis_task_id": "an-1"},
	})
	if err != nil {
		t.Fatalf("enhancement: %v", err)
	}
	fields, _ := result["updated_fields"].([]string)
	if len(fields) != 2 {
		t.Fatalf("expected name+description updates: %+v", result)
	}
	// First update carries the content change, second the label swap.
	if len(api.updates) != 2 || api.updates[0].Name == nil || *api.updates[0].Name != "new title" {
		t.Fatalf("story content not updated: %+v", api.updates)
	}
	if len(api.comments) != 1 || !strings.Contains(api.comments[0], "clarified scope") {
		t.Fatalf("summary comment missing: %+v", api.comments)
	}
}

func TestUpdateRequiresChanges(t *testing.T) {
	a := newTestAgents(&fakeScheduler{}, &fakeGenerator{}, &fakeStoryAPI{})
	_, err := a.HandleUpdate(context.Background(), models.Task{Payload: map[string]any{}})
	if !worker.IsPermanent(err) {
		t.Fatalf("empty update should be permanent, got %v", err)
	}
}

func TestNotificationPostsComment(t *testing.T) {
	api := &fakeStoryAPI{}
	a := newTestAgents(&fakeScheduler{}, &fakeGenerator{}, api)
	result, err := a.HandleNotification(context.Background(), models.Task{
		WorkspaceID: "acme",
		StoryID:     "5",
		Payload:     map[string]any{"message": "analysis ready"},
	})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if len(api.comments) != 1 || api.comments[0] != "analysis ready" {
		t.Fatalf("comment not posted: %+v", api.comments)
	}
	if result["status"] != "completed" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRegisterCoversAllTypes(t *testing.T) {
	a := newTestAgents(&fakeScheduler{}, &fakeGenerator{}, &fakeStoryAPI{})
	reg := worker.NewRegistry()
	if err := a.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Validate(models.AllTypes); err != nil {
		t.Fatalf("registry incomplete: %v", err)
	}
}

