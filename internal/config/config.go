// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BusyPolicy decides what happens to a task whose session is already running one.
type BusyPolicy string

const (
	BusyQueue BusyPolicy = "queue"
	BusyFail  BusyPolicy = "fail"
)

// RefinerKind selects the refinement backend.
type RefinerKind string

const (
	RefinerRAGFlow RefinerKind = "ragflow"
	RefinerLLM     RefinerKind = "llm"
	RefinerNone    RefinerKind = "none"
)

// BrowserMode selects where browser contexts run.
type BrowserMode string

const (
	BrowserLocal  BrowserMode = "local"
	BrowserDocker BrowserMode = "docker"
)

// Config is the full service configuration.
type Config struct {
	Addr     string
	LogLevel string

	SessionDBPath       string
	SessionTTL          time.Duration
	SessionReapInterval time.Duration
	BusyPolicy          BusyPolicy
	QueueTimeout        time.Duration
	MaxSessions         int
	PersistScreenshots  bool

	Refiner        RefinerKind
	RAGFlowBaseURL string
	RAGFlowAPIKey  string
	RAGFlowChatID  string
	RefineTimeout  time.Duration

	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	BrowserMode     BrowserMode
	BrowserHeadless bool
	BrowserImage    string
	DriverTimeout   time.Duration
	DriverMaxSteps  int

	RateLimitPerHour int
	RateLimitBurst   int
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Addr:                ":8000",
		LogLevel:            "info",
		SessionDBPath:       "./storage/sessions.db",
		SessionTTL:          30 * time.Minute,
		SessionReapInterval: time.Minute,
		BusyPolicy:          BusyQueue,
		QueueTimeout:        2 * time.Minute,
		MaxSessions:         10,
		PersistScreenshots:  true,
		Refiner:             RefinerRAGFlow,
		RefineTimeout:       30 * time.Second,
		LLMBaseURL:          "https://generativelanguage.googleapis.com/v1beta/openai/",
		LLMModel:            "gemini-2.0-flash",
		BrowserMode:         BrowserLocal,
		BrowserHeadless:     true,
		BrowserImage:        "browserless/chrome:latest",
		DriverTimeout:       3 * time.Minute,
		DriverMaxSteps:      12,
		RateLimitPerHour:    600,
		RateLimitBurst:      20,
	}
}

// Load reads envFile (if present) and the process environment on top of Defaults.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, which keeps tests off the real environment.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Defaults()
	p := parser{getenv: getenv}

	p.str("ADDR", &cfg.Addr)
	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("SESSION_DB_PATH", &cfg.SessionDBPath)
	p.duration("SESSION_TTL", &cfg.SessionTTL)
	p.duration("SESSION_REAP_INTERVAL", &cfg.SessionReapInterval)
	p.duration("SESSION_QUEUE_TIMEOUT", &cfg.QueueTimeout)
	p.integer("MAX_SESSIONS", &cfg.MaxSessions)
	p.boolean("PERSIST_SCREENSHOTS", &cfg.PersistScreenshots)

	var busy, refiner, mode string
	p.str("SESSION_BUSY_POLICY", &busy)
	p.str("REFINER", &refiner)
	p.str("BROWSER_MODE", &mode)
	if busy != "" {
		cfg.BusyPolicy = BusyPolicy(strings.ToLower(busy))
	}
	if refiner != "" {
		cfg.Refiner = RefinerKind(strings.ToLower(refiner))
	}
	if mode != "" {
		cfg.BrowserMode = BrowserMode(strings.ToLower(mode))
	}

	p.str("RAGFLOW_BASE_URL", &cfg.RAGFlowBaseURL)
	p.str("RAGFLOW_API_KEY", &cfg.RAGFlowAPIKey)
	p.str("RAGFLOW_CHAT_ID", &cfg.RAGFlowChatID)
	p.duration("REFINE_TIMEOUT", &cfg.RefineTimeout)

	p.str("GEMINI_API_KEY", &cfg.LLMAPIKey)
	p.str("LLM_API_KEY", &cfg.LLMAPIKey)
	p.str("LLM_BASE_URL", &cfg.LLMBaseURL)
	p.str("LLM_MODEL", &cfg.LLMModel)

	p.boolean("BROWSER_HEADLESS", &cfg.BrowserHeadless)
	p.str("BROWSER_IMAGE", &cfg.BrowserImage)
	p.duration("DRIVER_TIMEOUT", &cfg.DriverTimeout)
	p.integer("DRIVER_MAX_STEPS", &cfg.DriverMaxSteps)

	p.integer("RATE_LIMIT_PER_HOUR", &cfg.RateLimitPerHour)
	p.integer("RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error

	switch c.BusyPolicy {
	case BusyQueue, BusyFail:
	default:
		errs = append(errs, fmt.Errorf("SESSION_BUSY_POLICY must be queue or fail, got %q", c.BusyPolicy))
	}

	switch c.Refiner {
	case RefinerRAGFlow:
		if c.RAGFlowBaseURL == "" || c.RAGFlowChatID == "" {
			errs = append(errs, fmt.Errorf("RAGFLOW_BASE_URL and RAGFLOW_CHAT_ID are required for the ragflow refiner"))
		}
	case RefinerLLM, RefinerNone:
	default:
		errs = append(errs, fmt.Errorf("REFINER must be ragflow, llm or none, got %q", c.Refiner))
	}

	switch c.BrowserMode {
	case BrowserLocal, BrowserDocker:
	default:
		errs = append(errs, fmt.Errorf("BROWSER_MODE must be local or docker, got %q", c.BrowserMode))
	}

	if c.LLMAPIKey == "" {
		errs = append(errs, fmt.Errorf("LLM_API_KEY (or GEMINI_API_KEY) is required by the browser planner"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be positive"))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("MAX_SESSIONS must be positive"))
	}
	if c.DriverMaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_MAX_STEPS must be positive"))
	}

	return errors.Join(errs...)
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key string, dst *string) {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		*dst = v
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare integers are seconds, like the original timeout fields
		secs, convErr := strconv.Atoi(v)
		if convErr != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		d = time.Duration(secs) * time.Second
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}
