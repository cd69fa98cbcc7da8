package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/browserpilot/internal/api"
	"github.com/shehryarbajwa/browserpilot/internal/browser"
	"github.com/shehryarbajwa/browserpilot/internal/config"
	"github.com/shehryarbajwa/browserpilot/internal/driver"
	"github.com/shehryarbajwa/browserpilot/internal/llm"
	"github.com/shehryarbajwa/browserpilot/internal/logging"
	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/internal/orchestrator"
	"github.com/shehryarbajwa/browserpilot/internal/proxy"
	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserpilot/internal/refine"
	"github.com/shehryarbajwa/browserpilot/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		addr            string
		installBrowsers bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return serve(cmd.Context(), cfg, installBrowsers)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address override (default from ADDR or :8000)")
	cmd.Flags().BoolVar(&installBrowsers, "install-browsers", false, "Download the Playwright driver and Chromium before starting")

	return cmd
}

func serve(ctx context.Context, cfg config.Config, installBrowsers bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)
	logger.Info("starting browserpilot", "version", version, "browser_mode", cfg.BrowserMode, "refiner", cfg.Refiner)

	m := metrics.New()

	// Browser engine
	var pool *browser.Pool
	if cfg.BrowserMode == config.BrowserDocker {
		p, err := browser.NewPool(cfg.BrowserImage)
		if err != nil {
			return fmt.Errorf("failed to create container pool: %w", err)
		}
		defer p.Close()
		pool = p
	}
	engine := browser.NewEngine(browser.EngineOptions{
		Mode:     browser.Mode(cfg.BrowserMode),
		Headless: cfg.BrowserHeadless,
		Install:  installBrowsers,
		Logger:   logger,
	}, pool)

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err := engine.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}
	defer engine.Stop()
	logger.Info("browser engine ready")

	// Sessions
	sessions, err := session.NewManager(ctx, engine, session.Options{
		DBPath:             cfg.SessionDBPath,
		TTL:                cfg.SessionTTL,
		ReapInterval:       cfg.SessionReapInterval,
		QueueTimeout:       cfg.QueueTimeout,
		FailFast:           cfg.BusyPolicy == config.BusyFail,
		MaxSessions:        cfg.MaxSessions,
		PersistScreenshots: cfg.PersistScreenshots,
		Metrics:            m,
		Logger:             logger.With("component", "session"),
	})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()
	logger.Info("session store ready", "path", cfg.SessionDBPath, "ttl", cfg.SessionTTL)

	// Model, refiner, driver
	model, err := llm.NewClient(cfg.LLMAPIKey, llm.WithBaseURL(cfg.LLMBaseURL), llm.WithModel(cfg.LLMModel))
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	logger.Info("llm client ready", "model", model.Model())

	var refiner refine.Refiner
	switch cfg.Refiner {
	case config.RefinerRAGFlow:
		refiner = refine.NewRAGFlowClient(cfg.RAGFlowBaseURL, cfg.RAGFlowAPIKey, cfg.RAGFlowChatID, cfg.RefineTimeout)
	case config.RefinerLLM:
		refiner = refine.NewLLMRefiner(model)
	default:
		refiner = refine.Passthrough{}
	}

	runner := driver.New(driver.NewLLMPlanner(model),
		driver.WithMaxSteps(cfg.DriverMaxSteps),
		driver.WithLogger(logger.With("component", "driver")),
	)

	orch := orchestrator.New(sessions, refiner, runner, orchestrator.Options{
		DriverTimeout:      cfg.DriverTimeout,
		PersistScreenshots: cfg.PersistScreenshots,
		Metrics:            m,
		Logger:             logger,
	})

	// HTTP
	var proxyServer *proxy.Server
	if cfg.BrowserMode == config.BrowserDocker {
		proxyServer = proxy.NewServer(sessions, logger.With("component", "proxy"))
	}
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	go pruneLimiter(ctx, rateLimiter)

	handler := api.NewHandler(orch, sessions, logger)
	router := handler.SetupRoutes(proxyServer, rateLimiter, m)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Tasks run for minutes; the write deadline has to outlast the driver.
		WriteTimeout: cfg.DriverTimeout + cfg.QueueTimeout + cfg.RefineTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(time.Hour)
		}
	}
}
