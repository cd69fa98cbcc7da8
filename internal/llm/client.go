// Package llm is a thin chat-completions client for OpenAI-compatible backends.
//
// The default endpoint is Gemini's OpenAI-compatible surface, but any server
// speaking the same protocol (OpenAI, Azure OpenAI, a local gateway) works by
// changing the base URL.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// Completer is what the refiner and the browser planner need from a model.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Client implements Completer on top of openai-go.
type Client struct {
	client      openai.Client
	model       string
	temperature float64
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL     string
	model       string
	temperature float64
	maxRetries  int
}

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *clientConfig) { c.model = model }
}

// WithMaxRetries sets the SDK-level retry count. Callers that run their own
// retry policy set this to 0.
func WithMaxRetries(n int) Option {
	return func(c *clientConfig) { c.maxRetries = n }
}

// NewClient creates a client. The API key is required.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm API key is required")
	}
	cfg := clientConfig{model: "gemini-2.0-flash", temperature: 0.2, maxRetries: 0}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Client{
		client:      openai.NewClient(reqOpts...),
		model:       cfg.model,
		temperature: cfg.temperature,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends messages and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toParams(messages),
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// StatusError carries the HTTP status of a failed completion.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm request failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return fmt.Errorf("llm request failed: %w", err)
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
