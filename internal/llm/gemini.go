package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// Errors the caller uses to classify failures. Blocked or unparsable output
// will not improve on retry; API call failures might.
var (
	ErrContentBlocked  = errors.New("llm: content blocked by safety filters")
	ErrInvalidResponse = errors.New("llm: invalid model response")
)

// Client wraps the Gemini API for structured JSON generation.
type Client struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// New creates a Gemini-backed client.
func New(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("llm: API key cannot be empty")
	}
	if model == "" {
		return nil, errors.New("llm: model name cannot be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create client: %w", err)
	}
	return &Client{client: client, model: model, logger: logger}, nil
}

// GenerateJSON sends the prompt and decodes the model's JSON reply into out.
// Markdown fences around the JSON body are tolerated.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out any) error {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return fmt.Errorf("llm: generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return fmt.Errorf("%w: no content generated", ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return ErrContentBlocked
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}

	body := stripFences(text.String())
	if err := json.Unmarshal([]byte(body), out); err != nil {
		c.logger.DebugContext(ctx, "unparsable model output", "length", len(body))
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
