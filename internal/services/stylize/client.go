// Package stylize talks to the image stylization HTTP service that renders
// captured photos into the project's illustration style.
package stylize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"memoir/internal/config"
	"memoir/internal/services"
)

const defaultHTTPTimeout = 120 * time.Second

// Stylizer renders one photo into the configured style.
type Stylizer interface {
	Stylize(ctx context.Context, inputPath, outputPath string) error
}

// Client calls the stylization endpoint with base64 image payloads.
type Client struct {
	cfg        config.Stylize
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

// NewClient constructs a stylize client from configuration.
func NewClient(cfg config.Stylize, opts ...Option) *Client {
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

type stylizeRequest struct {
	ImageB64 string `json:"image_b64"`
	Prompt   string `json:"prompt,omitempty"`
}

type stylizeResponse struct {
	ImageB64 string `json:"image_b64"`
	Error    string `json:"error,omitempty"`
}

// Stylize uploads the photo, waits for the rendered image, and writes it to
// outputPath. Client errors from the service (4xx) are not retryable; the
// caller's attempt budget covers 5xx and transport flakes.
func (c *Client) Stylize(ctx context.Context, inputPath, outputPath string) error {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return services.Wrap(services.ErrConfiguration, "stylize", "request", "base_url not configured", nil)
	}

	original, err := os.ReadFile(inputPath)
	if err != nil {
		return services.Wrap(services.ErrNotFound, "stylize", "read_photo", inputPath, err)
	}

	body, err := json.Marshal(stylizeRequest{
		ImageB64: base64.StdEncoding.EncodeToString(original),
		Prompt:   c.cfg.Prompt,
	})
	if err != nil {
		return fmt.Errorf("encode stylize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stylize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrTransient, "stylize", "request", "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return services.Wrap(services.ErrTransient, "stylize", "read_response", "", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return services.Wrap(services.ErrTransient, "stylize", "request",
			fmt.Sprintf("http %d: %s", resp.StatusCode, snippet(payload)), nil)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return services.Wrap(services.ErrValidation, "stylize", "request",
			fmt.Sprintf("http %d: %s", resp.StatusCode, snippet(payload)), nil)
	}

	var decoded stylizeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return services.Wrap(services.ErrExternalTool, "stylize", "decode_response", snippet(payload), err)
	}
	if decoded.Error != "" {
		return services.Wrap(services.ErrExternalTool, "stylize", "render", decoded.Error, nil)
	}
	rendered, err := base64.StdEncoding.DecodeString(decoded.ImageB64)
	if err != nil || len(rendered) == 0 {
		return services.Wrap(services.ErrExternalTool, "stylize", "decode_image", "empty or invalid image payload", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(outputPath, rendered, 0o644); err != nil {
		return fmt.Errorf("write stylized image: %w", err)
	}
	return nil
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	const limit = 200
	if len(text) > limit {
		text = text[:limit] + "..."
	}
	return text
}

var _ Stylizer = (*Client)(nil)
