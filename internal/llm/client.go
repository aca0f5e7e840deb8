// Package llm wraps the text-generation backend. Requests go to an
// OpenAI-compatible chat completion endpoint (Groq by default), rotating
// through a pool of API keys on every call.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

const (
	DefaultModel   = "llama-3.3-70b-versatile"
	DefaultBaseURL = "https://api.groq.com/openai/v1"
)

// Request is a single system+user completion request.
type Request struct {
	System      string
	User        string
	Temperature *float32 // nil uses the client default
	MaxTokens   int
}

// Generator is the text-generation capability the pipeline depends on.
type Generator interface {
	// Available reports whether credentials are configured.
	Available() bool
	Complete(ctx context.Context, req Request) (string, error)
}

// Temp returns a pointer to t, for Request.Temperature.
func Temp(t float32) *float32 {
	return &t
}

// Config configures a Client.
type Config struct {
	Keys        []string
	Model       string
	Temperature float32
	BaseURL     string
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client is a Generator backed by go-openai. One underlying client is kept per key.
type Client struct {
	pool        *KeyPool
	model       string
	temperature float32
	baseURL     string
	logger      *slog.Logger

	mu        sync.Mutex
	clients   map[string]chatCompleter
	newClient func(key, baseURL string) chatCompleter
}

// NewClient creates a Client. A nil logger uses slog.Default().
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	c := &Client{
		pool:        NewKeyPool(cfg.Keys),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		baseURL:     cfg.BaseURL,
		logger:      logger.With("component", "llm"),
		clients:     make(map[string]chatCompleter),
		newClient:   newOpenAIClient,
	}
	if c.pool.Len() > 0 {
		c.logger.Info("initialised key rotator", "keys", c.pool.Len(), "model", c.model)
	}
	return c
}

func newOpenAIClient(key, baseURL string) chatCompleter {
	oc := openai.DefaultConfig(key)
	oc.BaseURL = baseURL
	return openai.NewClientWithConfig(oc)
}

// Available reports whether at least one key is configured.
func (c *Client) Available() bool {
	return c.pool.Len() > 0
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) clientFor(key string) chatCompleter {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.clients[key]
	if !ok {
		cc = c.newClient(key, c.baseURL)
		c.clients[key] = cc
	}
	return cc
}

// Complete sends req using the next key in the pool and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	key, err := c.pool.Next()
	if err != nil {
		return "", err
	}

	temp := c.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	creq := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}

	c.logger.Debug("chat completion", "model", c.model, "prompt_chars", len(req.User))
	resp, err := c.clientFor(key).CreateChatCompletion(ctx, creq)
	if err != nil {
		c.logger.Warn("chat completion failed", "error", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
