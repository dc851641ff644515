package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "cortex", cfg.Agent.ID)
	assert.Equal(t, 1000, cfg.Agent.QueueCapacity)
	assert.Equal(t, 2, cfg.Agent.HandlerConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.Agent.HousekeepingInterval)
	assert.Equal(t, 20, cfg.Agent.ChatHistoryLimit)
	assert.Equal(t, 8, cfg.Agent.PromptHistoryWindow)
	assert.Equal(t, 8*time.Second, cfg.Agent.SummaryMinInterval)
	assert.Equal(t, 150*time.Second, cfg.LLM.CallTimeout)
	assert.True(t, cfg.Agent.ToolsEnabled)
	assert.InDelta(t, 0.75, cfg.Agent.Memory.ConsolidateThreshold, 1e-9)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	// An explicitly named but missing file is an error; the default search
	// path silently falls back to defaults.
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	content := []byte(`
agent:
  id: test-agent
  queue_capacity: 16
  handler_concurrency: 4
llm:
  call_timeout: 30s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-agent", cfg.Agent.ID)
	assert.Equal(t, 16, cfg.Agent.QueueCapacity)
	assert.Equal(t, 4, cfg.Agent.HandlerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.LLM.CallTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 20, cfg.Agent.ChatHistoryLimit)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CORTEX_AGENT_ID", "env-agent")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-agent", cfg.Agent.ID)
}
