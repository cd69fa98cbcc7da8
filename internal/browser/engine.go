package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Mode selects where contexts run.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeDocker Mode = "docker"
)

const (
	viewportWidth  = 1920
	viewportHeight = 1080
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	defaultTimeout = 30 * time.Second
)

var chromiumArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-features=IsolateOrigins",
	"--disable-site-isolation-trials",
	"--disable-web-security",
	"--no-sandbox",
	"--disable-infobars",
	"--disable-dev-shm-usage",
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Mode     Mode
	Headless bool
	// Install downloads the Playwright driver and Chromium on Start.
	Install bool
	Logger  *slog.Logger
}

// Engine launches isolated browser contexts, one per session.
type Engine struct {
	opts   EngineOptions
	pool   *Pool
	logger *slog.Logger

	mu     sync.Mutex
	pw     *playwright.Playwright
	shared playwright.Browser // local mode: one Chromium, many contexts
}

// NewEngine creates an engine. pool is required in docker mode.
func NewEngine(opts EngineOptions, pool *Pool) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, pool: pool, logger: logger.With("component", "browser")}
}

// Start boots the Playwright driver and, in docker mode, makes sure the
// browser image is available.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pw != nil {
		return nil
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if e.opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	e.pw = pw

	if e.opts.Mode == ModeDocker {
		if e.pool == nil {
			return fmt.Errorf("docker mode requires a container pool")
		}
		if err := e.pool.EnsureImage(ctx); err != nil {
			return fmt.Errorf("failed to ensure browser image: %w", err)
		}
	}
	return nil
}

// Launch opens a fresh context for sessionID, seeded with a storage state
// previously returned by Handle.StorageState when state is non-empty.
func (e *Engine) Launch(ctx context.Context, sessionID string, state []byte) (Handle, error) {
	switch e.opts.Mode {
	case ModeDocker:
		return e.launchDocker(ctx, sessionID, state)
	default:
		return e.launchLocal(sessionID, state)
	}
}

func (e *Engine) launchLocal(sessionID string, state []byte) (Handle, error) {
	browser, err := e.sharedBrowser()
	if err != nil {
		return nil, err
	}

	bctx, page, err := newContextPage(browser, state)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("local browser context opened", "session_id", sessionID)
	return &Context{id: sessionID, context: bctx, page: page}, nil
}

func (e *Engine) launchDocker(ctx context.Context, sessionID string, state []byte) (Handle, error) {
	pw, err := e.driver()
	if err != nil {
		return nil, err
	}

	inst, err := e.pool.LaunchBrowser(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	browser, err := pw.Chromium.ConnectOverCDP(inst.ConnectURL)
	if err != nil {
		e.stopContainer(inst.ContainerID)
		return nil, fmt.Errorf("failed to attach over CDP: %w", err)
	}

	bctx, page, err := newContextPage(browser, state)
	if err != nil {
		_ = browser.Close()
		e.stopContainer(inst.ContainerID)
		return nil, err
	}

	e.logger.Info("container browser attached", "session_id", sessionID, "container", inst.ContainerID[:12])
	return &Context{
		id:         sessionID,
		browser:    browser,
		context:    bctx,
		page:       page,
		connectURL: inst.ConnectURL,
		release:    func() { e.stopContainer(inst.ContainerID) },
	}, nil
}

func newContextPage(browser playwright.Browser, state []byte) (playwright.BrowserContext, playwright.Page, error) {
	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  viewportWidth,
			Height: viewportHeight,
		},
		Locale:    playwright.String("en-US"),
		UserAgent: playwright.String(userAgent),
	}
	if len(state) > 0 {
		var restored playwright.OptionalStorageState
		if err := json.Unmarshal(state, &restored); err != nil {
			return nil, nil, fmt.Errorf("failed to decode storage state: %w", err)
		}
		opts.StorageState = &restored
	}

	bctx, err := browser.NewContext(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultTimeout.Milliseconds()))
	return bctx, page, nil
}

func (e *Engine) driver() (*playwright.Playwright, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pw == nil {
		return nil, fmt.Errorf("browser engine not started")
	}
	return e.pw, nil
}

// sharedBrowser returns the local Chromium, relaunching it after a crash.
func (e *Engine) sharedBrowser() (playwright.Browser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pw == nil {
		return nil, fmt.Errorf("browser engine not started")
	}
	if e.shared != nil && e.shared.IsConnected() {
		return e.shared, nil
	}

	browser, err := e.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.opts.Headless),
		Args:     chromiumArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	e.shared = browser
	e.logger.Info("chromium launched", "headless", e.opts.Headless)
	return browser, nil
}

func (e *Engine) stopContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.pool.StopBrowser(ctx, containerID); err != nil {
		e.logger.Warn("failed to stop browser container", "container", containerID, "error", err)
	}
}

// Stop closes the shared browser and the Playwright driver.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shared != nil {
		_ = e.shared.Close()
		e.shared = nil
	}
	if e.pw != nil {
		if err := e.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		e.pw = nil
	}
	return nil
}
