package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shehryarbajwa/browserpilot/internal/llm"
	"github.com/shehryarbajwa/browserpilot/internal/vault"
)

// ActionType enumerates what the planner may ask for.
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionFill     ActionType = "fill"
	ActionPress    ActionType = "press"
	ActionScroll   ActionType = "scroll"
	ActionWait     ActionType = "wait"
	ActionDone     ActionType = "done"
	ActionFail     ActionType = "fail"
)

// Action is one planner decision.
type Action struct {
	Type    ActionType `json:"type"`
	URL     string     `json:"url,omitempty"`
	Target  int        `json:"target_id,omitempty"`
	Text    string     `json:"text,omitempty"`
	Key     string     `json:"key,omitempty"`
	Result  string     `json:"result,omitempty"`
	Thought string     `json:"thought,omitempty"`
}

// errBadPlan marks a planner reply that could not be understood.
var errBadPlan = errors.New("unusable planner reply")

// PlanInput is everything the planner gets for one step.
type PlanInput struct {
	Instruction string
	Observation *Observation
	History     []string
	SecretKeys  []string
	Step        int
	MaxSteps    int
}

// Planner decides the next action.
type Planner interface {
	Next(ctx context.Context, in PlanInput) (*Action, error)
}

const plannerPrompt = `You are an autonomous agent operating a web browser to complete a task.

Each turn you receive the current page: its URL, title, the interactive elements (each with a
numeric id in [brackets]) and a visible-text excerpt, plus the actions taken so far.

Reply with exactly one JSON object and nothing else:
{"thought": "...", "type": "<action>", "url": "", "target_id": 0, "text": "", "key": "", "result": ""}

Actions:
- navigate: open "url".
- click: click element "target_id".
- fill: type "text" into element "target_id".
- press: press keyboard "key" (e.g. "Enter") in the focused element.
- scroll: scroll down to reveal more of the page.
- wait: wait briefly for the page to settle.
- done: the task is complete; put the answer or a summary of what was done in "result".
- fail: the task cannot be completed; explain why in "result".

Rules:
- Only use target ids listed on the current page.
- Credentials are never shown to you. To enter one, fill the placeholder exactly, e.g.
  "text": "<secret>password</secret>".
- Prefer a search engine or the obvious site when no page is open.
- Avoid repeating an action that already failed.
- When the requested information is visible, finish with done and report it in "result".`

// LLMPlanner asks a chat model for the next action.
type LLMPlanner struct {
	model llm.Completer
}

// NewLLMPlanner creates a planner backed by model.
func NewLLMPlanner(model llm.Completer) *LLMPlanner {
	return &LLMPlanner{model: model}
}

func (p *LLMPlanner) Next(ctx context.Context, in PlanInput) (*Action, error) {
	reply, err := p.model.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: plannerPrompt},
		{Role: llm.RoleUser, Content: renderInput(in)},
	})
	if err != nil {
		return nil, err
	}
	return ParseAction(reply)
}

func renderInput(in PlanInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\n", in.Instruction)
	if len(in.SecretKeys) > 0 {
		placeholders := make([]string, len(in.SecretKeys))
		for i, k := range in.SecretKeys {
			placeholders[i] = vault.Placeholder(k)
		}
		fmt.Fprintf(&b, "Available credentials: %s\n\n", strings.Join(placeholders, ", "))
	}
	fmt.Fprintf(&b, "Step %d of %d.\n\n", in.Step, in.MaxSteps)
	b.WriteString("HISTORY:\n")
	if len(in.History) == 0 {
		b.WriteString("(no actions yet)\n")
	}
	for i, h := range in.History {
		fmt.Fprintf(&b, "%d. %s\n", i+1, h)
	}
	b.WriteString("\nCURRENT PAGE:\n")
	if in.Observation != nil {
		b.WriteString(in.Observation.Render())
	}
	return b.String()
}

// ParseAction extracts the action JSON from a model reply, tolerating code
// fences and prose around the object.
func ParseAction(reply string) (*Action, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object found", errBadPlan)
	}

	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPlan, err)
	}
	a.Type = ActionType(strings.ToLower(strings.TrimSpace(string(a.Type))))

	switch a.Type {
	case ActionNavigate:
		if a.URL == "" {
			return nil, fmt.Errorf("%w: navigate without url", errBadPlan)
		}
	case ActionClick, ActionFill:
		if a.Target <= 0 {
			return nil, fmt.Errorf("%w: %s without target_id", errBadPlan, a.Type)
		}
	case ActionPress:
		if a.Key == "" {
			a.Key = "Enter"
		}
	case ActionScroll, ActionWait, ActionDone, ActionFail:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", errBadPlan, a.Type)
	}
	return &a, nil
}

func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// Describe is the history line for an action. It only ever contains what the
// planner itself wrote, so placeholders stay placeholders.
func (a *Action) Describe() string {
	switch a.Type {
	case ActionNavigate:
		return fmt.Sprintf("navigate to %s", a.URL)
	case ActionClick:
		return fmt.Sprintf("click [%d]", a.Target)
	case ActionFill:
		return fmt.Sprintf("fill [%d] with %q", a.Target, a.Text)
	case ActionPress:
		return fmt.Sprintf("press %s", a.Key)
	default:
		return string(a.Type)
	}
}
