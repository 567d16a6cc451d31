// Package config handles loading and validating interceptor configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// INTERCEPTOR_PORT=9090 overrides the "port" key.
const envPrefix = "INTERCEPTOR_"

// Config is the top-level configuration for the interceptor proxy.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Upstream base URLs, one per provider. Passthrough traffic goes to
	// the Ollama upstream so local health probes keep working.
	OpenAIURL    string `koanf:"openai_url"`
	AnthropicURL string `koanf:"anthropic_url"`
	OllamaURL    string `koanf:"ollama_url"`

	// Storage.
	DBPath      string `koanf:"db_path"`
	StoreChunks bool   `koanf:"store_chunks"`

	// Display.
	Verbose bool `koanf:"verbose"`
	Quiet   bool `koanf:"quiet"`

	// Redaction. Redact covers headers; RedactBody additionally scrubs
	// bearer-shaped values out of stored request bodies.
	Redact     bool `koanf:"redact"`
	RedactBody bool `koanf:"redact_body"`

	// InjectUsage asks the proxy to set stream_options.include_usage on
	// OpenAI streaming requests so the final SSE event carries token
	// counts. Off by default: the default mode never alters bytes.
	InjectUsage bool `koanf:"inject_usage"`

	// Timeouts.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"` // 0 = no overall cap
	ShutdownGrace  time.Duration `koanf:"shutdown_grace"`
}

// Default returns the configuration used when no file, env var, or flag
// says otherwise.
func Default() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8080,
		OpenAIURL:      "https://api.openai.com",
		AnthropicURL:   "https://api.anthropic.com",
		OllamaURL:      "http://localhost:11434",
		DBPath:         "interceptor.db",
		StoreChunks:    true,
		Redact:         true,
		ConnectTimeout: 30 * time.Second,
		IdleTimeout:    120 * time.Second,
		ShutdownGrace:  30 * time.Second,
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// INTERCEPTOR_-prefixed environment variables, in that order (later
// layers win).
func Load(path string) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Layer environment variables on top. Keys are flat, so the env name
	// maps by lowercasing: INTERCEPTOR_DB_PATH -> db_path.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal onto the defaults; keys absent from every layer keep
	// their default values.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	return cfg, nil
}

// ListenAddr returns the host:port the proxy binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
