package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/windfall/echotutor_service/internal/errors"
)

const (
	// DefaultDashScopeBaseURL is DashScope's OpenAI-compatible endpoint.
	DefaultDashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

	defaultDashScopeChatModel  = "qwen-plus"
	defaultDashScopeAudioModel = "sensevoice-v1"
)

// DashScopeClient wraps the OpenAI client pointed at DashScope's compatible mode.
// It serves both chat completions and audio transcriptions.
type DashScopeClient struct {
	client     *openai.Client
	chatModel  string
	audioModel string
}

// NewDashScopeClient creates a new DashScope client.
func NewDashScopeClient(apiKey, baseURL string, timeout time.Duration) *DashScopeClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = DefaultDashScopeBaseURL
	}
	cfg.BaseURL = baseURL
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &DashScopeClient{
		client:     openai.NewClientWithConfig(cfg),
		chatModel:  defaultDashScopeChatModel,
		audioModel: defaultDashScopeAudioModel,
	}
}

// WithChatModel sets the chat model to use.
func (c *DashScopeClient) WithChatModel(model string) *DashScopeClient {
	if model != "" {
		c.chatModel = model
	}
	return c
}

// WithAudioModel sets the transcription model to use.
func (c *DashScopeClient) WithAudioModel(model string) *DashScopeClient {
	if model != "" {
		c.audioModel = model
	}
	return c
}

// CompleteJSON sends a system prompt and user message in JSON mode and
// returns the raw assistant content.
func (c *DashScopeClient) CompleteJSON(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userMessage,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("dashscope chat: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New(errors.ErrProvider, "no choices returned from dashscope")
	}

	return resp.Choices[0].Message.Content, nil
}

// TranscribeAudio uploads WAV audio to the transcription endpoint.
func (c *DashScopeClient) TranscribeAudio(ctx context.Context, wav []byte, language string) (string, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.audioModel,
		Reader:   bytes.NewReader(wav),
		FilePath: "audio.wav",
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("dashscope transcription: %w", err)
	}

	if resp.Text == "" {
		return "", errors.New(errors.ErrProvider, "dashscope transcription response has no text")
	}

	return resp.Text, nil
}
