package refine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserpilot/internal/llm"
)

const refinePrompt = `You are a browser automation assistant. Convert the user's request into clear,
step-by-step browser instructions that an automation agent can follow.

For example, if the user says "check the weather in New York", you should generate:
1. Go to weather.com
2. Search for New York
3. Find and extract the current temperature and conditions

Be precise and include all necessary details for automation. Earlier requests in this
conversation give context: a follow-up such as "now check Osaka" continues the previous goal.
If the request involves login, keep placeholders of the form <secret>name</secret> exactly as
written; they are replaced with real values by the automation agent.

Reply with the instructions only.`

const (
	maxTurns         = 8
	maxConversations = 1024
)

type turn struct {
	request     string
	instruction string
}

type conversation struct {
	turns   []turn
	touched time.Time
}

// LLMRefiner rewrites tasks with a chat model and keeps a bounded,
// process-local conversation memory.
type LLMRefiner struct {
	model llm.Completer

	mu            sync.Mutex
	conversations map[string]*conversation
}

// NewLLMRefiner creates a refiner backed by model.
func NewLLMRefiner(model llm.Completer) *LLMRefiner {
	return &LLMRefiner{
		model:         model,
		conversations: make(map[string]*conversation),
	}
}

// Refine rewrites task in the context of conversationID, which is created when
// empty or unknown to this process.
func (r *LLMRefiner) Refine(ctx context.Context, task, conversationID string) (*Result, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: refinePrompt}}
	for _, t := range r.history(conversationID) {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: t.request},
			llm.Message{Role: llm.RoleAssistant, Content: t.instruction},
		)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "User Request: " + task})

	out, err := r.model.Complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefinementUnavailable, err)
	}

	instruction := strings.TrimSpace(out)
	if instruction == "" {
		instruction = task
	}
	r.remember(conversationID, turn{request: task, instruction: instruction})

	return &Result{Instruction: instruction, ConversationID: conversationID}, nil
}

func (r *LLMRefiner) history(id string) []turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil
	}
	out := make([]turn, len(conv.turns))
	copy(out, conv.turns)
	return out
}

func (r *LLMRefiner) remember(id string, t turn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		if len(r.conversations) >= maxConversations {
			r.evictOldestLocked()
		}
		conv = &conversation{}
		r.conversations[id] = conv
	}
	conv.turns = append(conv.turns, t)
	if len(conv.turns) > maxTurns {
		conv.turns = conv.turns[len(conv.turns)-maxTurns:]
	}
	conv.touched = time.Now()
}

func (r *LLMRefiner) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, conv := range r.conversations {
		if oldestID == "" || conv.touched.Before(oldest) {
			oldestID, oldest = id, conv.touched
		}
	}
	delete(r.conversations, oldestID)
}
