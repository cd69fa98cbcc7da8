package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"RAGFLOW_BASE_URL": "http://ragflow:9380",
		"RAGFLOW_CHAT_ID":  "chat-1",
		"GEMINI_API_KEY":   "g-key",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, BusyQueue, cfg.BusyPolicy)
	assert.Equal(t, RefinerRAGFlow, cfg.Refiner)
	assert.Equal(t, BrowserLocal, cfg.BrowserMode)
	assert.Equal(t, "g-key", cfg.LLMAPIKey)
	assert.True(t, cfg.PersistScreenshots)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"REFINER":             "LLM",
		"GEMINI_API_KEY":      "g-key",
		"LLM_API_KEY":         "explicit",
		"SESSION_TTL":         "90",
		"SESSION_BUSY_POLICY": "fail",
		"BROWSER_MODE":        "docker",
		"BROWSER_HEADLESS":    "false",
		"MAX_SESSIONS":        "3",
	}))
	require.NoError(t, err)

	assert.Equal(t, RefinerLLM, cfg.Refiner)
	assert.Equal(t, "explicit", cfg.LLMAPIKey)
	assert.Equal(t, 90*time.Second, cfg.SessionTTL)
	assert.Equal(t, BusyFail, cfg.BusyPolicy)
	assert.Equal(t, BrowserDocker, cfg.BrowserMode)
	assert.False(t, cfg.BrowserHeadless)
	assert.Equal(t, 3, cfg.MaxSessions)
}

func TestFromEnv_Invalid(t *testing.T) {
	_, err := FromEnv(env(map[string]string{
		"REFINER":      "none",
		"LLM_API_KEY":  "k",
		"MAX_SESSIONS": "many",
	}))
	assert.ErrorContains(t, err, "MAX_SESSIONS")

	_, err = FromEnv(env(map[string]string{"REFINER": "none"}))
	assert.ErrorContains(t, err, "LLM_API_KEY")

	_, err = FromEnv(env(map[string]string{"LLM_API_KEY": "k"}))
	assert.ErrorContains(t, err, "RAGFLOW_BASE_URL")
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("REFINER=none\nLLM_API_KEY=from-file\nADDR=:9999\n"), 0o600))

	for _, k := range []string{"REFINER", "LLM_API_KEY", "ADDR"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "from-file", cfg.LLMAPIKey)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}
