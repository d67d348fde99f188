package client

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/windfall/echotutor_service/internal/errors"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClient wraps the Google Gen AI client on the Gemini API backend.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a new Gemini client using an API key.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New(errors.ErrProvider, "Gemini API key not configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  defaultGeminiModel,
	}, nil
}

// WithModel sets the model to use.
func (c *GeminiClient) WithModel(model string) *GeminiClient {
	if model != "" {
		c.model = model
	}
	return c
}

// CompleteJSON asks the model for a JSON response under a system instruction.
func (c *GeminiClient) CompleteJSON(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userMessage), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", errors.New(errors.ErrProvider, "gemini returned no text")
	}
	return text, nil
}
