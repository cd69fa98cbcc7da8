// Package orchestrator runs one task end to end: resolve the session,
// refine the instruction, drive the browser, persist what happened.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shehryarbajwa/browserpilot/internal/driver"
	"github.com/shehryarbajwa/browserpilot/internal/logging"
	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/internal/refine"
	"github.com/shehryarbajwa/browserpilot/internal/retry"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/internal/vault"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// ErrInvalidRequest is returned for requests that cannot be executed as sent.
var ErrInvalidRequest = errors.New("invalid task request")

const (
	captchaNote     = "Note: A CAPTCHA was detected during the task. "
	failedMessage   = "I couldn't complete that task in the browser. Please try rephrasing it or breaking it into smaller steps."
	timeoutMessage  = "The website took too long to respond, so the task could not be completed. Please try again."
	persistTimeout  = 10 * time.Second
	defaultDeadline = 3 * time.Minute
)

// Sessions is the part of the session manager the orchestrator uses.
type Sessions interface {
	Create(ctx context.Context) (*session.Lease, error)
	Acquire(ctx context.Context, id string) (*session.Lease, error)
	Touch(ctx context.Context, id string, u session.Update) error
	AppendHistory(ctx context.Context, id string, e models.HistoryEntry) error
}

// Runner executes an instruction in a browser context.
type Runner interface {
	Run(ctx context.Context, req driver.Request) (*driver.Outcome, error)
}

// Options tunes the pipeline.
type Options struct {
	DriverTimeout      time.Duration
	PersistScreenshots bool
	RefinePolicy       retry.Policy
	DriverPolicy       retry.Policy
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// DefaultRefinePolicy retries refinement twice, 500ms then 1s apart.
var DefaultRefinePolicy = retry.Policy{
	MaxRetries:   2,
	InitialDelay: 500 * time.Millisecond,
	Multiplier:   2,
}

// DefaultDriverPolicy retries a transient driver failure once.
var DefaultDriverPolicy = retry.Policy{
	MaxRetries:   1,
	InitialDelay: time.Second,
	Multiplier:   2,
}

// Orchestrator wires the session store, refiner and driver together.
type Orchestrator struct {
	sessions Sessions
	refiner  refine.Refiner
	runner   Runner
	opts     Options
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(sessions Sessions, refiner refine.Refiner, runner Runner, opts Options) *Orchestrator {
	if opts.DriverTimeout <= 0 {
		opts.DriverTimeout = defaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if refiner == nil {
		refiner = refine.Passthrough{}
	}
	return &Orchestrator{
		sessions: sessions,
		refiner:  refiner,
		runner:   runner,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Execute runs one task. Browser failures come back as a result with
// Status failed and a safe message; only session resolution, bad input and
// an unavailable engine are returned as errors.
func (o *Orchestrator) Execute(ctx context.Context, req models.TaskRequest) (*models.TaskResult, error) {
	start := time.Now()

	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidRequest)
	}
	creds, err := vault.New(req.SensitiveData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	logger := o.requestLogger(ctx)
	if !creds.Empty() {
		logger = logging.Redacting(logger, creds)
	}

	lease, err := o.resolve(ctx, req.SessionID)
	if err != nil {
		logger.Warn("session resolution failed", "requested_session_id", req.SessionID, "error", err)
		o.metrics.TaskFinished("rejected", time.Since(start))
		return nil, err
	}
	defer lease.Release()
	logger = logger.With("session_id", lease.ID())

	task := creds.Mask(req.Task)
	conversationID := req.RagflowSessionID
	if conversationID == "" {
		conversationID = lease.Session().ConversationID
	}

	refined := o.refine(ctx, task, conversationID, logger)
	if err := ctx.Err(); err != nil {
		o.metrics.TaskFinished("cancelled", time.Since(start))
		return nil, err
	}
	logger.Info("instruction refined", "task", task, "instruction", refined.Instruction,
		"ragflow_session_id", refined.ConversationID)

	// From here on the client going away does not stop the task.
	detached := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(detached, o.driverTimeout(req))
	defer cancel()

	want := req.WantsScreenshot() || o.opts.PersistScreenshots
	outcome, runErr := o.run(runCtx, lease, refined.Instruction, creds, want, logger)

	status := models.TaskSuccess
	message := outcome.Text
	if runErr != nil {
		status = models.TaskFailed
		message = failureMessage(runErr)
		logger.Error("browser task failed", "error", runErr, "steps", outcome.Steps)
	}
	if outcome.CaptchaSeen {
		message = captchaNote + message
	}
	message = creds.Redact(message)
	outcome.URL = creds.Redact(outcome.URL)

	o.persist(detached, lease.ID(), task, creds.Redact(refined.Instruction), message, status, refined.ConversationID, outcome, logger)

	if runErr != nil && errors.Is(runErr, driver.ErrEngineUnavailable) {
		o.metrics.TaskFinished("error", time.Since(start))
		return nil, runErr
	}

	result := &models.TaskResult{
		Status:           status,
		Message:          message,
		CurrentURL:       outcome.URL,
		SessionID:        lease.ID(),
		RagflowSessionID: refined.ConversationID,
	}
	if req.WantsScreenshot() {
		result.Screenshot = outcome.Screenshot
	}

	o.metrics.TaskFinished(string(status), time.Since(start))
	logger.Info("task finished", "status", status, "url", outcome.URL, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (o *Orchestrator) requestLogger(ctx context.Context) *slog.Logger {
	if l := logging.FromContext(ctx); l != slog.Default() {
		return l
	}
	return o.logger
}

func (o *Orchestrator) resolve(ctx context.Context, id string) (*session.Lease, error) {
	if id == "" {
		return o.sessions.Create(ctx)
	}
	return o.sessions.Acquire(ctx, id)
}

// refine never fails: after the retries run out the masked task itself is
// the instruction.
func (o *Orchestrator) refine(ctx context.Context, task, conversationID string, logger *slog.Logger) *refine.Result {
	res, err := retry.Do(ctx, o.refinePolicy(),
		func(ctx context.Context) (*refine.Result, error) {
			res, err := o.refiner.Refine(ctx, task, conversationID)
			if err != nil && res != nil && res.ConversationID != "" {
				conversationID = res.ConversationID
			}
			return res, err
		},
		nil,
		func(attempt int, delay time.Duration, err error) {
			o.metrics.RefineRetry()
			logger.Warn("refinement failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	)
	if err != nil {
		o.metrics.RefineFallback()
		logger.Warn("refinement unavailable, using raw task", "error", err)
		return &refine.Result{Instruction: task, ConversationID: conversationID}
	}
	if strings.TrimSpace(res.Instruction) == "" {
		res.Instruction = task
	}
	if res.ConversationID == "" {
		res.ConversationID = conversationID
	}
	return res
}

// run drives the browser, retrying timeouts and engine failures once. The
// returned outcome is never nil.
func (o *Orchestrator) run(
	ctx context.Context,
	lease *session.Lease,
	instruction string,
	creds *vault.Vault,
	want bool,
	logger *slog.Logger,
) (*driver.Outcome, error) {
	last := &driver.Outcome{}

	_, err := retry.Do(ctx, o.driverPolicy(),
		func(ctx context.Context) (*driver.Outcome, error) {
			handle, err := lease.Handle(ctx)
			if err != nil {
				o.metrics.DriverAttempt("launch_failed")
				return nil, fmt.Errorf("%w: %v", driver.ErrEngineUnavailable, err)
			}

			out, err := o.runner.Run(ctx, driver.Request{
				Instruction:    instruction,
				Handle:         handle,
				Credentials:    creds,
				WantScreenshot: want,
				Logger:         logger,
			})
			if out != nil {
				last = out
			}
			o.metrics.DriverAttempt(attemptResult(err))
			if errors.Is(err, driver.ErrEngineUnavailable) {
				lease.Discard()
			}
			return out, err
		},
		classifyDriverError,
		func(attempt int, delay time.Duration, err error) {
			logger.Warn("browser task failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	)
	return last, err
}

func (o *Orchestrator) persist(
	ctx context.Context,
	id, task, instruction, message string,
	status models.TaskStatus,
	conversationID string,
	outcome *driver.Outcome,
	logger *slog.Logger,
) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	err := o.sessions.Touch(ctx, id, session.Update{
		URL:            outcome.URL,
		Screenshot:     outcome.Screenshot,
		ConversationID: conversationID,
	})
	if err != nil {
		logger.Error("failed to persist session state", "error", err)
	}

	entry := models.HistoryEntry{
		Task:        task,
		Instruction: instruction,
		Message:     message,
		URL:         outcome.URL,
		Status:      models.HistorySuccess,
	}
	if status == models.TaskFailed {
		entry.Status = models.HistoryFailed
	}
	if err := o.sessions.AppendHistory(ctx, id, entry); err != nil {
		logger.Error("failed to append session history", "error", err)
	}
}

// driverTimeout lets a request shorten, never extend, the browser stage.
func (o *Orchestrator) driverTimeout(req models.TaskRequest) time.Duration {
	if req.Timeout > 0 {
		if d := time.Duration(req.Timeout) * time.Second; d < o.opts.DriverTimeout {
			return d
		}
	}
	return o.opts.DriverTimeout
}

func (o *Orchestrator) refinePolicy() retry.Policy {
	if o.opts.RefinePolicy == (retry.Policy{}) {
		return DefaultRefinePolicy
	}
	return o.opts.RefinePolicy
}

func (o *Orchestrator) driverPolicy() retry.Policy {
	if o.opts.DriverPolicy == (retry.Policy{}) {
		return DefaultDriverPolicy
	}
	return o.opts.DriverPolicy
}

func classifyDriverError(err error) retry.Class {
	if errors.Is(err, driver.ErrNavigationTimeout) || errors.Is(err, driver.ErrEngineUnavailable) {
		return retry.Retryable
	}
	return retry.NonRetryable
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, driver.ErrNavigationTimeout):
		return "timeout"
	case errors.Is(err, driver.ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, driver.ErrInstructionUnexecutable):
		return "unexecutable"
	default:
		return "error"
	}
}

func failureMessage(err error) string {
	if errors.Is(err, driver.ErrNavigationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return timeoutMessage
	}
	return failedMessage
}
