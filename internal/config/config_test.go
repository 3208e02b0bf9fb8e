package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Load()
	cfg.OpenRouterAPIKey = "test-key"
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUEUE_ATTEMPTS", "5")
	t.Setenv("LLM_MAX_ELAPSED", "30s")

	cfg := Load()
	assert.Equal(t, 5, cfg.QueueAttempts)
	assert.Equal(t, 30*time.Second, cfg.LLMMaxElapsed)
	assert.Equal(t, 30*24*time.Hour, cfg.LLMCacheTTL)
	assert.Equal(t, 90, cfg.DetectionWindowDays)
	assert.Equal(t, "sqlite", cfg.DBDriver)
}

func TestValidateDefaultsPass(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Port = "abc"
	cfg.OpenRouterAPIKey = ""
	cfg.StorageProvider = "ftp"
	cfg.AMQPURL = "http://broker"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"invalid port", "OPENROUTER_API_KEY", "STORAGE_PROVIDER", "AMQP URL scheme"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRetryBudget(t *testing.T) {
	cfg := validConfig()
	cfg.QueueAttempts = 3
	cfg.QueueBackoff = time.Second
	cfg.LLMMaxElapsed = 2 * time.Minute

	// 3 x 2m + 1s + 2s
	assert.Equal(t, 6*time.Minute+3*time.Second, cfg.WorstCaseStageLatency())

	cfg.StageBudget = 5 * time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget exceeded")

	cfg.StageBudget = 7 * time.Minute
	assert.NoError(t, cfg.Validate())
}

func TestMailgunConfigured(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.MailgunConfigured())
	cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailgunFrom = "mg.example.com", "key", "ops@example.com"
	assert.True(t, cfg.MailgunConfigured())
}
