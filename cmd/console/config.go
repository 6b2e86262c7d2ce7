package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the service configuration loaded from YAML.
	Config struct {
		HTTP     HTTPConfig     `yaml:"http"`
		Store    StoreConfig    `yaml:"store"`
		Relay    RelayConfig    `yaml:"relay"`
		Executor ExecutorConfig `yaml:"executor"`
		Dispatch DispatchConfig `yaml:"dispatch"`
	}

	// HTTPConfig configures the HTTP listener.
	HTTPConfig struct {
		// Addr is the listen address.
		Addr string `yaml:"addr"`
	}

	// StoreConfig selects the persistence backend.
	StoreConfig struct {
		// Kind is "memory" or "mongo".
		Kind  string      `yaml:"kind"`
		Mongo MongoConfig `yaml:"mongo"`
	}

	// MongoConfig configures the MongoDB backend.
	MongoConfig struct {
		URI      string        `yaml:"uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	// RelayConfig configures the Pulse event relay.
	RelayConfig struct {
		// Enabled turns the relay on. It requires Redis.
		Enabled bool `yaml:"enabled"`
		// RedisAddr is the Redis connection address.
		RedisAddr string `yaml:"redis_addr"`
		// RedisPasswordEnv names the environment variable holding the Redis
		// password. Empty means no password.
		RedisPasswordEnv string `yaml:"redis_password_env"`
		// StreamMaxLen bounds the entries kept per session stream.
		StreamMaxLen int `yaml:"stream_max_len"`
	}

	// ExecutorConfig selects and configures the model-backed executor.
	ExecutorConfig struct {
		// Provider is "anthropic" or "openai".
		Provider string `yaml:"provider"`
		// Model is the provider model identifier.
		Model string `yaml:"model"`
		// APIKeyEnv names the environment variable holding the API key.
		APIKeyEnv string `yaml:"api_key_env"`
		// MaxTokens caps the completion size when positive.
		MaxTokens int `yaml:"max_tokens"`
		// Temperature is forwarded when positive.
		Temperature float64 `yaml:"temperature"`
	}

	// DispatchConfig configures the execution dispatcher.
	DispatchConfig struct {
		// Timeout bounds a single executor call.
		Timeout time.Duration `yaml:"timeout"`
	}
)

const (
	storeKindMemory = "memory"
	storeKindMongo  = "mongo"

	executorAnthropic = "anthropic"
	executorOpenAI    = "openai"
)

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{Kind: storeKindMemory},
		Executor: ExecutorConfig{
			Provider:  executorAnthropic,
			Model:     "claude-sonnet-4-5",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	switch cfg.Store.Kind {
	case storeKindMemory:
	case storeKindMongo:
		if cfg.Store.Mongo.URI == "" {
			return errors.New("store.mongo.uri is required")
		}
		if cfg.Store.Mongo.Database == "" {
			return errors.New("store.mongo.database is required")
		}
	default:
		return fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
	if cfg.Relay.Enabled && cfg.Relay.RedisAddr == "" {
		return errors.New("relay.redis_addr is required when the relay is enabled")
	}
	switch cfg.Executor.Provider {
	case executorAnthropic, executorOpenAI:
		if cfg.Executor.Model == "" {
			return fmt.Errorf("executor.model is required for provider %q", cfg.Executor.Provider)
		}
	default:
		return fmt.Errorf("unknown executor provider %q", cfg.Executor.Provider)
	}
	return nil
}
