// Package driver executes a natural-language instruction against a live
// browser context by looping observe, plan and act until the planner reports
// the task done or failed.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shehryarbajwa/browserpilot/internal/browser"
	"github.com/shehryarbajwa/browserpilot/internal/vault"
)

var (
	// ErrNavigationTimeout means a page load or the whole run ran out of time.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrEngineUnavailable means the browser or the planning model could
	// not be reached.
	ErrEngineUnavailable = errors.New("browser engine unavailable")
	// ErrInstructionUnexecutable means the instruction could not be carried
	// out on the page.
	ErrInstructionUnexecutable = errors.New("instruction could not be executed")
)

const (
	defaultMaxSteps    = 12
	maxBadPlans        = 3
	maxWait            = 5 * time.Second
	navigationTimeout  = 30 * time.Second
	interactionTimeout = 10 * time.Second
	scrollStep         = 800
	defaultDoneMessage = "Task execution completed"
)

// Request is one driver run.
type Request struct {
	Instruction    string
	Handle         browser.Surface
	Credentials    *vault.Vault
	WantScreenshot bool
	// Logger, when set, replaces the driver's logger for this run. Callers
	// holding credentials pass a redacting logger.
	Logger *slog.Logger
}

// Outcome is what a run produced. It is filled best-effort even when Run
// returns an error.
type Outcome struct {
	Text        string
	Screenshot  []byte
	URL         string
	CaptchaSeen bool
	Steps       int
}

// Driver runs instructions.
type Driver struct {
	planner  Planner
	maxSteps int
	logger   *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithMaxSteps bounds the observe/act loop.
func WithMaxSteps(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxSteps = n
		}
	}
}

// WithLogger sets the logger for step tracing.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Driver around planner.
func New(planner Planner, opts ...Option) *Driver {
	d := &Driver{
		planner:  planner,
		maxSteps: defaultMaxSteps,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes req.Instruction. The final URL and, when requested, a
// screenshot are captured whatever the result.
func (d *Driver) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.Handle == nil {
		return nil, fmt.Errorf("%w: no browser context", ErrEngineUnavailable)
	}

	logger := d.logger
	if req.Logger != nil {
		logger = req.Logger
	}

	out := &Outcome{}
	runErr := d.loop(ctx, req, out, logger)

	out.URL = req.Handle.URL()
	if req.WantScreenshot {
		shot, err := req.Handle.Screenshot()
		if err != nil {
			logger.Warn("screenshot capture failed", "error", err)
		} else {
			out.Screenshot = shot
		}
	}
	return out, runErr
}

func (d *Driver) loop(ctx context.Context, req Request, out *Outcome, logger *slog.Logger) error {
	page := req.Handle
	var history []string
	badPlans := 0

	for step := 1; step <= d.maxSteps; step++ {
		out.Steps = step
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
		}

		obs, err := observe(page, req.Credentials)
		if err != nil {
			return err
		}
		if obs.Captcha {
			out.CaptchaSeen = true
		}

		action, err := d.planner.Next(ctx, PlanInput{
			Instruction: req.Instruction,
			Observation: obs,
			History:     history,
			SecretKeys:  req.Credentials.Keys(),
			Step:        step,
			MaxSteps:    d.maxSteps,
		})
		switch {
		case errors.Is(err, errBadPlan):
			badPlans++
			logger.Warn("planner reply rejected", "step", step, "error", err)
			if badPlans >= maxBadPlans {
				return fmt.Errorf("%w: planner kept returning unusable replies", ErrInstructionUnexecutable)
			}
			history = append(history, "invalid reply ignored; answer with a single JSON action")
			continue
		case err != nil:
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
			}
			return fmt.Errorf("%w: planner: %v", ErrEngineUnavailable, err)
		}
		badPlans = 0

		logger.Debug("driver step", "step", step, "action", action.Type, "thought", action.Thought)

		switch action.Type {
		case ActionDone:
			out.Text = action.Result
			if out.Text == "" {
				out.Text = defaultDoneMessage
			}
			return nil
		case ActionFail:
			return fmt.Errorf("%w: %s", ErrInstructionUnexecutable, action.Result)
		}

		line := action.Describe()
		if err := act(page, action, obs, req.Credentials); err != nil {
			if fatal := fatalError(err); fatal != nil {
				return fatal
			}
			line += ": failed (" + err.Error() + ")"
		}
		history = append(history, req.Credentials.Redact(line))
	}

	return fmt.Errorf("%w: step limit of %d reached", ErrInstructionUnexecutable, d.maxSteps)
}

// observe reads the page with every credential value masked, so nothing a
// fill put on screen reaches the planner.
func observe(page browser.Surface, creds *vault.Vault) (*Observation, error) {
	if _, err := page.MarkInteractive(); err != nil {
		if fatal := fatalError(err); fatal != nil {
			return nil, fatal
		}
	}
	html, err := page.HTML()
	if err != nil {
		if fatal := fatalError(err); fatal != nil {
			return nil, fatal
		}
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return observeMasked(html, page.URL(), creds)
}

func act(page browser.Surface, a *Action, obs *Observation, creds *vault.Vault) error {
	switch a.Type {
	case ActionNavigate:
		if err := page.Navigate(a.URL, navigationTimeout); err != nil {
			if errors.Is(err, browser.ErrTimeout) {
				return fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
			}
			return err
		}
		return nil
	case ActionClick:
		if !obs.Has(a.Target) {
			return fmt.Errorf("no element [%d] on this page", a.Target)
		}
		return page.Click(browser.Selector(a.Target), interactionTimeout)
	case ActionFill:
		if !obs.Has(a.Target) {
			return fmt.Errorf("no element [%d] on this page", a.Target)
		}
		value, err := creds.Substitute(a.Text)
		if err != nil {
			return err
		}
		return page.Fill(browser.Selector(a.Target), value, interactionTimeout)
	case ActionPress:
		return page.Press(a.Key)
	case ActionScroll:
		return page.Scroll(scrollStep)
	case ActionWait:
		page.Wait(maxWait)
		return nil
	}
	return fmt.Errorf("unsupported action %q", a.Type)
}

// fatalError returns the run-ending form of err, or nil when the planner
// should simply be told the action failed.
func fatalError(err error) error {
	switch {
	case errors.Is(err, ErrNavigationTimeout):
		return err
	case errors.Is(err, browser.ErrClosed):
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}
