package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "https://api.openai.com", cfg.OpenAIURL)
	assert.Equal(t, "https://api.anthropic.com", cfg.AnthropicURL)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaURL)
	assert.Equal(t, "interceptor.db", cfg.DBPath)
	assert.True(t, cfg.Redact)
	assert.True(t, cfg.StoreChunks)
	assert.False(t, cfg.RedactBody)
	assert.False(t, cfg.InjectUsage)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
host: 0.0.0.0
port: 9090
db_path: /tmp/capture.db
ollama_url: http://ollama.internal:11434
store_chunks: false
idle_timeout: 10s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "/tmp/capture.db", cfg.DBPath)
	assert.Equal(t, "http://ollama.internal:11434", cfg.OllamaURL)
	assert.False(t, cfg.StoreChunks)
	assert.Equal(t, 10*time.Second, cfg.IdleTimeout)

	// Untouched keys keep their defaults.
	assert.Equal(t, "https://api.openai.com", cfg.OpenAIURL)
	assert.True(t, cfg.Redact)
}

func TestEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("port: 8080\n"), 0644)
	require.NoError(t, err)

	// Env vars win over the file.
	t.Setenv("INTERCEPTOR_PORT", "3000")
	t.Setenv("INTERCEPTOR_DB_PATH", "env.db")
	t.Setenv("INTERCEPTOR_REDACT", "false")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "env.db", cfg.DBPath)
	assert.False(t, cfg.Redact)
}

func TestInvalidPort(t *testing.T) {
	t.Setenv("INTERCEPTOR_PORT", "-1")

	_, err := Load("")
	require.Error(t, err)
}
