package refine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RAGFlowClient talks to a RAGFlow chat assistant. Conversation state lives
// in RAGFlow and is addressed by its session id.
type RAGFlowClient struct {
	baseURL    string
	apiKey     string
	chatID     string
	httpClient *http.Client
}

// NewRAGFlowClient creates a client for one chat assistant.
func NewRAGFlowClient(baseURL, apiKey, chatID string, timeout time.Duration) *RAGFlowClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RAGFlowClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ragflowEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type ragflowSession struct {
	ID string `json:"id"`
}

type ragflowAnswer struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
}

// Refine asks the assistant to rewrite task, opening a conversation when
// conversationID is empty. A conversation opened by a failed call is
// returned with the error.
func (c *RAGFlowClient) Refine(ctx context.Context, task, conversationID string) (*Result, error) {
	if conversationID == "" {
		id, err := c.openSession(ctx)
		if err != nil {
			return nil, err
		}
		conversationID = id
	}

	var answer ragflowAnswer
	err := c.call(ctx, fmt.Sprintf("/api/v1/chats/%s/completions", c.chatID), map[string]any{
		"question":   task,
		"stream":     false,
		"session_id": conversationID,
	}, &answer)
	if err != nil {
		return &Result{ConversationID: conversationID}, err
	}

	// RAGFlow reports model failures inside a successful envelope
	if strings.HasPrefix(answer.Answer, "**ERROR**") {
		return &Result{ConversationID: conversationID}, fmt.Errorf("%w: %s", ErrRefinementUnavailable, strings.TrimSpace(strings.TrimPrefix(answer.Answer, "**ERROR**")))
	}

	instruction := strings.TrimSpace(answer.Answer)
	if instruction == "" {
		instruction = task
	}
	if answer.SessionID != "" {
		conversationID = answer.SessionID
	}

	return &Result{Instruction: instruction, ConversationID: conversationID}, nil
}

func (c *RAGFlowClient) openSession(ctx context.Context) (string, error) {
	var sess ragflowSession
	if err := c.call(ctx, fmt.Sprintf("/api/v1/chats/%s/sessions", c.chatID), map[string]any{
		"name": "browserpilot-" + time.Now().UTC().Format("20060102T150405"),
	}, &sess); err != nil {
		return "", err
	}
	if sess.ID == "" {
		return "", fmt.Errorf("%w: session created without id", ErrRefinementUnavailable)
	}
	return sess.ID, nil
}

func (c *RAGFlowClient) call(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefinementUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRefinementUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var env ragflowEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrRefinementUnavailable, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%w: code %d: %s", ErrRefinementUnavailable, env.Code, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: unexpected data: %v", ErrRefinementUnavailable, err)
	}
	return nil
}
