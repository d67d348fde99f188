package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/windfall/echotutor_service/internal/errors"
)

const (
	defaultAzureTimeout = 120 * time.Second
	maxAzureErrorBody   = 2 << 10
)

// azureDeployment posts to one Azure OpenAI deployment URL, e.g.
// https://<resource>.openai.azure.com/openai/deployments/<name>/<operation>?api-version=...
type azureDeployment struct {
	name     string
	endpoint string
	apiKey   string
	http     *http.Client
}

func newAzureDeployment(name, endpoint, apiKey string, timeout time.Duration) azureDeployment {
	if timeout <= 0 {
		timeout = defaultAzureTimeout
	}
	return azureDeployment{
		name:     name,
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

// post sends body and decodes a 2xx JSON answer into out.
func (d azureDeployment) post(ctx context.Context, body io.Reader, contentType string, out any) error {
	if d.endpoint == "" || d.apiKey == "" {
		return errors.New(errors.ErrProvider, d.name+" credentials not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, body)
	if err != nil {
		return errors.Wrap(errors.ErrProvider, "build "+d.name+" request", err)
	}
	req.Header.Set("api-key", d.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := d.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrProvider, d.name+" request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxAzureErrorBody))
		return errors.New(errors.ErrProvider, fmt.Sprintf("%s returned status %d", d.name, resp.StatusCode)).
			WithDetails(map[string]interface{}{"body": strings.TrimSpace(string(snippet))})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrProvider, "decode "+d.name+" response", err)
	}
	return nil
}

// AzureWhisperClient transcribes audio with an Azure OpenAI Whisper deployment.
type AzureWhisperClient struct {
	deployment azureDeployment
}

// NewAzureWhisperClient creates a new Azure OpenAI Whisper client.
func NewAzureWhisperClient(endpoint, apiKey string, timeout time.Duration) *AzureWhisperClient {
	return &AzureWhisperClient{deployment: newAzureDeployment("azure whisper", endpoint, apiKey, timeout)}
}

// TranscribeAudio uploads WAV audio and returns the recognized text. An empty
// language lets Whisper detect it.
func (c *AzureWhisperClient) TranscribeAudio(ctx context.Context, wav []byte, language string) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	fields := map[string]string{"response_format": "json"}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close multipart form: %w", err)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := c.deployment.post(ctx, &body, form.FormDataContentType(), &out); err != nil {
		return "", err
	}
	if out.Text == "" {
		return "", errors.New(errors.ErrProvider, "azure whisper response has no text")
	}
	return out.Text, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

// AzureChatClient runs chat completions on an Azure OpenAI deployment.
type AzureChatClient struct {
	deployment azureDeployment
}

// NewAzureChatClient creates a new Azure OpenAI chat client.
func NewAzureChatClient(endpoint, apiKey string, timeout time.Duration) *AzureChatClient {
	return &AzureChatClient{deployment: newAzureDeployment("azure chat", endpoint, apiKey, timeout)}
}

// CompleteJSON asks for a JSON object answer and returns the assistant content.
func (c *AzureChatClient) CompleteJSON(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	req := chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
	}
	req.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := c.deployment.post(ctx, bytes.NewReader(payload), "application/json", &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New(errors.ErrProvider, "azure chat returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
