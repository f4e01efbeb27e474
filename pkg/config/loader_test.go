package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoad_MergesEnvFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: db.internal
  port: 5432
  password: ${DB_PASS}
planner:
  backend: agent
  url: http://agent:9000
pipeline:
  overall_timeout: 15m
materializer:
  concurrency: 4
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
pipeline:
  stage_retries: 5
`)
	writeFile(t, dir, "secrets.env", "# local secrets\nDB_PASS='s3cret'\n")

	cfg, err := Load("staging", dir)
	require.NoError(t, err)

	assert.Equal(t, "db.staging", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "s3cret", cfg.DB.Password)
	assert.Equal(t, uint64(5), cfg.Pipeline.StageRetries)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.OverallTimeout)
	assert.Equal(t, 4, cfg.Materializer.Concurrency)
	// untouched sections keep their defaults
	assert.Equal(t, "events", cfg.MQ.Exchange)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
}

func TestLoad_SystemEnvWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  user: ${DB_ROLE}
planner:
  backend: agent
  url: http://agent:9000
`)
	writeFile(t, dir, "secrets.env", "DB_ROLE=from_file\n")
	t.Setenv("DB_ROLE", "from_env")
	t.Setenv("SERVER_PORT", "9999")

	cfg, err := Load("local", dir)
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.DB.User)
	assert.Equal(t, "9999", cfg.Server.Port)
}

func TestLoad_RejectsUnknownBackends(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
storage:
  backend: sqlite
planner:
  backend: agent
  url: http://agent:9000
`)
	_, err := Load("", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}

func TestLoad_OpenAIRequiresKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "planner:\n  backend: openai\n")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load("", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestMergeMaps_Nested(t *testing.T) {
	dst := map[string]interface{}{"a": map[string]interface{}{"x": 1, "y": 2}, "b": "keep"}
	src := map[string]interface{}{"a": map[string]interface{}{"y": 3}}

	got := mergeMaps(dst, src)
	assert.Equal(t, map[string]interface{}{"x": 1, "y": 3}, got["a"])
	assert.Equal(t, "keep", got["b"])
}
