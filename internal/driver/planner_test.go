package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/llm"
)

type replyModel struct {
	reply string
	seen  []llm.Message
}

func (m *replyModel) Complete(_ context.Context, messages []llm.Message) (string, error) {
	m.seen = messages
	return m.reply, nil
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    *Action
		wantErr bool
	}{
		{
			name:  "plain",
			reply: `{"type":"click","target_id":4}`,
			want:  &Action{Type: ActionClick, Target: 4},
		},
		{
			name:  "fenced with prose",
			reply: "Sure.\n```json\n{\"thought\":\"search\",\"type\":\"Navigate\",\"url\":\"https://duckduckgo.com\"}\n```",
			want:  &Action{Type: ActionNavigate, URL: "https://duckduckgo.com", Thought: "search"},
		},
		{
			name:  "press defaults to enter",
			reply: `{"type":"press"}`,
			want:  &Action{Type: ActionPress, Key: "Enter"},
		},
		{name: "no json", reply: "I will click the button", wantErr: true},
		{name: "unknown action", reply: `{"type":"hover","target_id":1}`, wantErr: true},
		{name: "click without target", reply: `{"type":"click"}`, wantErr: true},
		{name: "navigate without url", reply: `{"type":"navigate"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, errBadPlan)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLLMPlanner_Prompt(t *testing.T) {
	model := &replyModel{reply: `{"type":"done","result":"21°C"}`}
	obs := &Observation{URL: "https://w.example.com", Title: "Weather", Elements: []Element{{ID: 1, Tag: "button", Label: "Go"}}}

	a, err := NewLLMPlanner(model).Next(context.Background(), PlanInput{
		Instruction: "weather in Tokyo",
		Observation: obs,
		History:     []string{"navigate to https://w.example.com"},
		SecretKeys:  []string{"password"},
		Step:        2,
		MaxSteps:    12,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionDone, a.Type)

	require.Len(t, model.seen, 2)
	assert.Equal(t, llm.RoleSystem, model.seen[0].Role)
	user := model.seen[1].Content
	assert.Contains(t, user, "weather in Tokyo")
	assert.Contains(t, user, "<secret>password</secret>")
	assert.Contains(t, user, "Step 2 of 12")
	assert.Contains(t, user, "1. navigate to https://w.example.com")
	assert.Contains(t, user, `[1] <button> "Go"`)
}
