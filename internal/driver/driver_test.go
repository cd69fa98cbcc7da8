package driver

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/browser"
	"github.com/shehryarbajwa/browserpilot/internal/browser/browsertest"
	"github.com/shehryarbajwa/browserpilot/internal/logging"
	"github.com/shehryarbajwa/browserpilot/internal/vault"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const loginPage = `<html><head><title>Sign in</title></head><body>
<form>
  <input data-bp-id="1" type="text" placeholder="Username">
  <input data-bp-id="2" type="password" placeholder="Password">
  <button data-bp-id="3">Log in</button>
</form>
</body></html>`

type scriptedPlanner struct {
	actions []*Action
	errs    []error
	inputs  []PlanInput
}

func (p *scriptedPlanner) Next(_ context.Context, in PlanInput) (*Action, error) {
	p.inputs = append(p.inputs, in)
	i := len(p.inputs) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.actions) {
		return &Action{Type: ActionWait}, nil
	}
	return p.actions[i], nil
}

func TestRun_LoginWithCredentials(t *testing.T) {
	page := browsertest.NewPage("s1")
	page.Sites["https://app.example.com/login"] = loginPage
	page.OnClick[browser.Selector(3)] = "https://app.example.com/home"

	planner := &scriptedPlanner{actions: []*Action{
		{Type: ActionNavigate, URL: "https://app.example.com/login"},
		{Type: ActionFill, Target: 1, Text: "<secret>user</secret>"},
		{Type: ActionFill, Target: 2, Text: "<secret>pass</secret>"},
		{Type: ActionClick, Target: 3},
		{Type: ActionDone, Result: "Logged in"},
	}}
	creds, err := vault.New([]models.SensitiveItem{{Key: "user", Value: "alice"}, {Key: "pass", Value: "hunter2"}})
	require.NoError(t, err)

	out, err := New(planner).Run(context.Background(), Request{
		Instruction:    "log in",
		Handle:         page,
		Credentials:    creds,
		WantScreenshot: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Logged in", out.Text)
	assert.Equal(t, "https://app.example.com/home", out.URL)
	assert.Equal(t, []byte("png:s1"), out.Screenshot)
	assert.Equal(t, "alice", page.Filled[browser.Selector(1)])
	assert.Equal(t, "hunter2", page.Filled[browser.Selector(2)])

	// The planner only ever sees placeholders.
	last := planner.inputs[len(planner.inputs)-1]
	assert.ElementsMatch(t, []string{"user", "pass"}, last.SecretKeys)
	for _, h := range last.History {
		assert.NotContains(t, h, "hunter2")
		assert.NotContains(t, h, "alice")
	}
	assert.Contains(t, last.History[1], "<secret>user</secret>")
}

func TestRun_PageShowingFilledValueIsMasked(t *testing.T) {
	page := browsertest.NewPage("s1")
	page.Sites["https://app.example.com/login"] = loginPage
	page.Sites["https://app.example.com/home?user=alice"] = `<html><head><title>alice - Home</title></head><body>
<p>Welcome back, alice</p>
<a data-bp-id="1" href="/profile/alice">alice</a>
</body></html>`
	page.OnClick[browser.Selector(3)] = "https://app.example.com/home?user=alice"

	planner := &scriptedPlanner{actions: []*Action{
		{Type: ActionNavigate, URL: "https://app.example.com/login"},
		{Type: ActionFill, Target: 1, Text: "<secret>user</secret>", Thought: "username is alice"},
		{Type: ActionFill, Target: 2, Text: "<secret>pass</secret>"},
		{Type: ActionClick, Target: 3},
		{Type: ActionDone, Result: "Logged in"},
	}}
	creds, err := vault.New([]models.SensitiveItem{{Key: "user", Value: "alice"}, {Key: "pass", Value: "hunter2"}})
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := logging.Redacting(logging.NewLogger(&logs, slog.LevelDebug), creds)

	_, err = New(planner).Run(context.Background(), Request{
		Instruction: "log in",
		Handle:      page,
		Credentials: creds,
		Logger:      logger,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", page.Filled[browser.Selector(1)])

	last := planner.inputs[len(planner.inputs)-1]
	prompt := renderInput(last)
	assert.NotContains(t, prompt, "alice")
	assert.NotContains(t, prompt, "hunter2")
	assert.Contains(t, prompt, "Welcome back, <secret>user</secret>")
	assert.Contains(t, last.Observation.URL, "user=<secret>user</secret>")
	assert.Contains(t, prompt, `"<secret>user</secret>" -> /profile/<secret>user</secret>`)
	assert.Contains(t, logs.String(), "username is")
	assert.NotContains(t, logs.String(), "alice")
}

func TestRun_NoScreenshotWhenNotWanted(t *testing.T) {
	page := browsertest.NewPage("s1")
	out, err := New(&scriptedPlanner{actions: []*Action{{Type: ActionDone}}}).Run(context.Background(), Request{
		Instruction: "nothing",
		Handle:      page,
	})
	require.NoError(t, err)
	assert.Nil(t, out.Screenshot)
	assert.Equal(t, defaultDoneMessage, out.Text)
}

func TestRun_NavigationTimeout(t *testing.T) {
	page := browsertest.NewPage("s1")
	page.NavigateErr = browser.ErrTimeout

	out, err := New(&scriptedPlanner{actions: []*Action{
		{Type: ActionNavigate, URL: "https://slow.example.com"},
	}}).Run(context.Background(), Request{Instruction: "open slow", Handle: page, WantScreenshot: true})

	require.ErrorIs(t, err, ErrNavigationTimeout)
	require.NotNil(t, out)
	assert.NotEmpty(t, out.Screenshot, "screenshot is captured even on failure")
}

func TestRun_ClosedPageIsEngineUnavailable(t *testing.T) {
	page := browsertest.NewPage("s1")
	require.NoError(t, page.Close())

	_, err := New(&scriptedPlanner{}).Run(context.Background(), Request{Instruction: "x", Handle: page})
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestRun_PlannerFailureIsEngineUnavailable(t *testing.T) {
	page := browsertest.NewPage("s1")
	planner := &scriptedPlanner{errs: []error{errors.New("503 from model")}}

	_, err := New(planner).Run(context.Background(), Request{Instruction: "x", Handle: page})
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestRun_FailAction(t *testing.T) {
	page := browsertest.NewPage("s1")
	_, err := New(&scriptedPlanner{actions: []*Action{
		{Type: ActionFail, Result: "site requires payment"},
	}}).Run(context.Background(), Request{Instruction: "x", Handle: page})

	require.ErrorIs(t, err, ErrInstructionUnexecutable)
	assert.Contains(t, err.Error(), "site requires payment")
}

func TestRun_StepLimit(t *testing.T) {
	page := browsertest.NewPage("s1")
	planner := &scriptedPlanner{}

	_, err := New(planner, WithMaxSteps(3)).Run(context.Background(), Request{Instruction: "x", Handle: page})
	require.ErrorIs(t, err, ErrInstructionUnexecutable)
	assert.Len(t, planner.inputs, 3)
}

func TestRun_BadPlansAreFedBackThenGiveUp(t *testing.T) {
	page := browsertest.NewPage("s1")
	planner := &scriptedPlanner{errs: []error{errBadPlan, errBadPlan, errBadPlan}}

	_, err := New(planner).Run(context.Background(), Request{Instruction: "x", Handle: page})
	require.ErrorIs(t, err, ErrInstructionUnexecutable)
	assert.Len(t, planner.inputs[2].History, 2)
}

func TestRun_UnknownTargetIsReportedToPlanner(t *testing.T) {
	page := browsertest.NewPage("s1")
	planner := &scriptedPlanner{actions: []*Action{
		{Type: ActionClick, Target: 42},
		{Type: ActionDone, Result: "ok"},
	}}

	_, err := New(planner).Run(context.Background(), Request{Instruction: "x", Handle: page})
	require.NoError(t, err)
	require.Len(t, planner.inputs[1].History, 1)
	assert.Contains(t, planner.inputs[1].History[0], "no element [42]")
	assert.Empty(t, page.Actions)
}

func TestRun_UnknownSecretIsNotTyped(t *testing.T) {
	page := browsertest.NewPage("s1")
	page.SetURL("https://app.example.com/login")
	page.Sites["https://app.example.com/login"] = loginPage
	planner := &scriptedPlanner{actions: []*Action{
		{Type: ActionFill, Target: 1, Text: "<secret>missing</secret>"},
		{Type: ActionDone},
	}}

	_, err := New(planner).Run(context.Background(), Request{Instruction: "x", Handle: page})
	require.NoError(t, err)
	assert.Empty(t, page.Filled)
	assert.Contains(t, planner.inputs[1].History[0], "unknown sensitive key")
}

func TestRun_ExpiredContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := New(&scriptedPlanner{}).Run(ctx, Request{Instruction: "x", Handle: browsertest.NewPage("s1")})
	assert.ErrorIs(t, err, ErrNavigationTimeout)
}

func TestRun_CaptchaSeen(t *testing.T) {
	page := browsertest.NewPage("s1")
	page.SetURL("https://blocked.example.com")
	page.Sites["https://blocked.example.com"] = `<html><body><iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></body></html>`

	out, err := New(&scriptedPlanner{actions: []*Action{{Type: ActionDone, Result: "done"}}}).Run(
		context.Background(), Request{Instruction: "x", Handle: page})
	require.NoError(t, err)
	assert.True(t, out.CaptchaSeen)
}
