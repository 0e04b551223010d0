// Package script generates the polished narrative from a raw interview
// transcript using an OpenAI-compatible chat completion endpoint.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"memoir/internal/config"
	"memoir/internal/services"
)

const defaultHTTPTimeout = 120 * time.Second

// Usage reports the token spend of one generation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Result is a generated script plus its accounting.
type Result struct {
	Text  string
	Usage Usage
}

// Generator produces the final script for a project.
type Generator interface {
	Generate(ctx context.Context, title, participant, transcript string) (Result, error)
}

// Client wraps the chat completion API.
type Client struct {
	cfg        config.LLM
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a script client from configuration.
func NewClient(cfg config.LLM, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// systemPrompt instructs the model to edit, not invent, and to leave photo
// markers untouched so finalize can re-anchor the images.
const systemPrompt = `You are an editor turning a raw spoken-memoir transcript into a ` +
	`readable narrative. Preserve the speaker's voice and facts; fix grammar, ` +
	`remove filler, and organize into paragraphs. The transcript contains photo ` +
	`markers of the form [[PHOTO:id]]. Copy every marker into the output exactly ` +
	`once, unchanged, at the matching point in the story. Output only the narrative text.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate runs one completion. Callers treat a failure as survivable: the
// pipeline falls back to the raw transcript when generation cannot succeed.
func (c *Client) Generate(ctx context.Context, title, participant, transcript string) (Result, error) {
	var empty Result
	if strings.TrimSpace(transcript) == "" {
		return empty, services.Wrap(services.ErrValidation, "script", "generate", "empty transcript", nil)
	}
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return empty, services.Wrap(services.ErrConfiguration, "script", "generate", "api key not configured", nil)
	}

	var user strings.Builder
	if title != "" {
		fmt.Fprintf(&user, "Title: %s\n", title)
	}
	if participant != "" {
		fmt.Fprintf(&user, "Narrator: %s\n", participant)
	}
	user.WriteString("\nTranscript:\n")
	user.WriteString(transcript)

	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user.String()},
		},
		Temperature: 0.4,
	})
	if err != nil {
		return empty, fmt.Errorf("encode chat request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return empty, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return empty, ctx.Err()
		}
		return empty, services.Wrap(services.ErrTransient, "script", "request", "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return empty, services.Wrap(services.ErrTransient, "script", "read_response", "", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return empty, services.Wrap(services.ErrTransient, "script", "request",
			fmt.Sprintf("http %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return empty, services.Wrap(services.ErrExternalTool, "script", "request",
			fmt.Sprintf("http %d: %s", resp.StatusCode, snippet(body)), nil)
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return empty, services.Wrap(services.ErrExternalTool, "script", "decode_response", snippet(body), err)
	}
	if decoded.Error != nil {
		return empty, services.Wrap(services.ErrExternalTool, "script", "request", decoded.Error.Message, nil)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return empty, services.Wrap(services.ErrExternalTool, "script", "decode_response", "empty completion", nil)
	}

	return Result{
		Text:  strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage: decoded.Usage,
	}, nil
}

func snippet(body []byte) string {
	text := strings.Join(strings.Fields(string(body)), " ")
	const limit = 200
	if len(text) > limit {
		text = text[:limit] + "..."
	}
	return text
}

var _ Generator = (*Client)(nil)
