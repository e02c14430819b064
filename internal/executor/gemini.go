package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/pitabwire/flowpipe/internal/action"
)

// DefaultGeminiModel is used when an action does not name a model.
const DefaultGeminiModel = "gemini-2.5-flash"

// AIResponseKey is the run context key the generated text is stored under.
const AIResponseKey = "aiResponse"

// TextGenerator produces text for a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, apiKey, model, prompt string) (string, error)
}

// GenAIGenerator is the TextGenerator backed by the Gemini API.
type GenAIGenerator struct {
	// BaseURL overrides the API endpoint; empty uses the library default.
	BaseURL string
}

// Generate sends prompt with thinking disabled and returns the response text.
func (g GenAIGenerator) Generate(ctx context.Context, apiKey, model, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: g.BaseURL},
	})
	if err != nil {
		return "", fmt.Errorf("genai client: %w", err)
	}

	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
	})
	if err != nil {
		return "", classifyGenAI(err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}

// classifyGenAI marks server-side and quota API errors as outages.
func classifyGenAI(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests) {
		return unavailable(err)
	}
	return err
}

// GeminiExecutor runs KindGemini actions and returns the generated text as
// run context output.
type GeminiExecutor struct {
	Generator    TextGenerator
	DefaultModel string
}

func (GeminiExecutor) Kind() action.Kind { return action.KindGemini }

func (x GeminiExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	md, ok := req.Metadata.(action.GeminiMetadata)
	if !ok {
		return Outcome{}, mismatch(action.KindGemini, req.Metadata)
	}
	key, ok := req.Credential.(action.APIKey)
	if !ok {
		return Outcome{}, mismatch(action.KindGemini, req.Credential)
	}

	prompt, err := req.Render.Render("message", md.Message)
	if err != nil {
		return Outcome{}, err
	}

	model := md.Model
	if model == "" {
		model = x.DefaultModel
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	text, err := x.Generator.Generate(ctx, key.Key, model, prompt)
	if err != nil {
		return Outcome{}, fmt.Errorf("gemini API error: %w", err)
	}
	return Outcome{Output: map[string]any{AIResponseKey: text}}, nil
}
