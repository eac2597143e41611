package shortcut

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Story is the subset of the Shortcut story payload the agents use.
type Story struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	StoryType   string  `json:"story_type"`
	Labels      []Label `json:"labels"`
	AppURL      string  `json:"app_url"`
}

type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Comment is the response from a comment creation.
type Comment struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// StoryUpdate carries the mutable story fields an agent may change. Labels
// replaces the full label set when non-nil, matching the v3 API contract.
type StoryUpdate struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Labels      []Label  `json:"labels,omitempty"`
	LabelAdds   []string `json:"-"`
	LabelRemove []string `json:"-"`
}

// Client talks to the Shortcut REST API for one workspace.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client with the given API token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// TokenForWorkspace resolves the API token for a workspace from the
// environment, trying the exact, upper, and lower-cased workspace id before
// falling back to the shared SHORTCUT_API_TOKEN.
func TokenForWorkspace(workspaceID string) (string, error) {
	for _, key := range []string{
		"SHORTCUT_API_TOKEN_" + workspaceID,
		"SHORTCUT_API_TOKEN_" + strings.ToUpper(workspaceID),
		"SHORTCUT_API_TOKEN_" + strings.ToLower(workspaceID),
		"SHORTCUT_API_TOKEN",
	} {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no shortcut API token configured for workspace %q", workspaceID)
}

// GetStory fetches a story by id.
func (c *Client) GetStory(ctx context.Context, storyID string) (Story, error) {
	var story Story
	if err := c.do(ctx, http.MethodGet, "/stories/"+storyID, nil, &story); err != nil {
		return Story{}, err
	}
	return story, nil
}

// AddComment posts a markdown comment to a story.
func (c *Client) AddComment(ctx context.Context, storyID, text string) (Comment, error) {
	var comment Comment
	body := map[string]string{"text": text}
	if err := c.do(ctx, http.MethodPost, "/stories/"+storyID+"/comments", body, &comment); err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// UpdateStory applies field changes to a story. When LabelAdds or
// LabelRemove are set, the current label set is fetched and rewritten.
func (c *Client) UpdateStory(ctx context.Context, storyID string, update StoryUpdate) (Story, error) {
	if len(update.LabelAdds) > 0 || len(update.LabelRemove) > 0 {
		current, err := c.GetStory(ctx, storyID)
		if err != nil {
			return Story{}, fmt.Errorf("fetch labels before update: %w", err)
		}
		update.Labels = mergeLabels(current.Labels, update.LabelAdds, update.LabelRemove)
	}
	var story Story
	if err := c.do(ctx, http.MethodPut, "/stories/"+storyID, update, &story); err != nil {
		return Story{}, err
	}
	return story, nil
}

func mergeLabels(current []Label, adds, removes []string) []Label {
	drop := make(map[string]bool, len(removes))
	for _, name := range removes {
		drop[strings.ToLower(name)] = true
	}
	out := make([]Label, 0, len(current)+len(adds))
	seen := make(map[string]bool)
	for _, l := range current {
		key := strings.ToLower(l.Name)
		if drop[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Label{Name: l.Name})
	}
	for _, name := range adds {
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Label{Name: name})
	}
	return out
}

// APIError reports a non-2xx response; callers use StatusCode to classify
// retryability.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("shortcut API status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Shortcut-Token", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("shortcut request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
