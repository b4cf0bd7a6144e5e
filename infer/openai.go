package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config configures the chat-completions extractor.
type Config struct {
	// BaseURL of the OpenAI-compatible endpoint. Default: api.openai.com.
	BaseURL string

	// APIKey sent as a bearer token. Optional for local backends.
	APIKey string

	// Model name. Default: gpt-4o-mini.
	Model string

	// Temperature for sampling. Default: 0.
	Temperature float32

	// MaxTokens caps the reply. Default: 2048.
	MaxTokens int

	// Attempts is how many times a failed call is tried. Default: 3.
	Attempts int

	// Backoff is the delay before the first retry, doubled each time.
	// Default: 1s.
	Backoff time.Duration

	// Timeout for one HTTP call. Default: 120s.
	Timeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// OpenAIClient extracts records through an OpenAI-compatible
// chat-completions API.
type OpenAIClient struct {
	cfg    Config
	client *http.Client

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOpenAIClient creates an OpenAIClient.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	cfg.defaults()
	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Extract prompts the model for one record and validates the reply.
// Failed calls are retried with doubling backoff; when all attempts
// fail the error wraps ErrInference.
func (c *OpenAIClient) Extract(ctx context.Context, text, link string, fields []Field) (map[string]any, error) {
	prompt := buildPrompt(text, link, fields)

	var lastErr error
	delay := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		record, err := c.once(ctx, prompt, fields)
		if err == nil {
			return record, nil
		}
		lastErr = err
		c.cfg.Logger.Warn("infer: attempt failed",
			"attempt", attempt, "attempts", c.cfg.Attempts, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrInference, lastErr)
}

func (c *OpenAIClient) once(ctx context.Context, prompt string, fields []Field) (map[string]any, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model returned status %d: %s", resp.StatusCode, string(b))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("empty choices")
	}

	c.cfg.Logger.Debug("infer: reply received",
		"duration", time.Since(start),
		"tokens", cr.Usage.TotalTokens,
		"finish_reason", cr.Choices[0].FinishReason)

	raw, err := sliceJSON(cr.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return validateRecord(raw, fields)
}
