package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "script", cfg.Model.Provider)
	assert.Equal(t, "inmem", cfg.Session.Backend)
	assert.NotEmpty(t, cfg.SystemPrompt)
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
model:
  provider: openai
  name: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
  tokens_per_minute: 90000
session:
  backend: mongo
  uri: mongodb://localhost:27017
  database: runwire
  timeout: 10s
stream:
  redis_addr: localhost:6379
  stream_max_len: 1000
max_steps: 8
system_prompt: Be terse.
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, 90000.0, cfg.Model.TokensPerMinute)
	assert.Equal(t, "mongo", cfg.Session.Backend)
	assert.Equal(t, "localhost:6379", cfg.Stream.RedisAddr)
	assert.Equal(t, 8, cfg.MaxSteps)
	assert.Equal(t, "Be terse.", cfg.SystemPrompt)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "model:\n  provider: carrier-pigeon\n"))
	require.ErrorContains(t, err, `unknown model provider "carrier-pigeon"`)

	_, err = LoadConfig(writeConfig(t, "session:\n  backend: mongo\n"))
	require.ErrorContains(t, err, "requires a uri")

	_, err = LoadConfig(writeConfig(t, "session:\n  backend: papyrus\n"))
	require.ErrorContains(t, err, `unknown session backend "papyrus"`)
}

func TestOfflineRun(t *testing.T) {
	ctx := log.Context(context.Background())
	require.NoError(t, realMain(ctx, "", "smoke-session", "agent", "what time is it?"))
}

func TestOfflinePipelineRun(t *testing.T) {
	ctx := log.Context(context.Background())
	require.NoError(t, realMain(ctx, "", "smoke-pipeline", "pipeline", "write a line about streaming"))
}
