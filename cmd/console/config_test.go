package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, storeKindMemory, cfg.Store.Kind)
	require.Equal(t, executorAnthropic, cfg.Executor.Provider)
	require.Equal(t, "ANTHROPIC_API_KEY", cfg.Executor.APIKeyEnv)
	require.False(t, cfg.Relay.Enabled)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
http:
  addr: ":9090"
store:
  kind: mongo
  mongo:
    uri: mongodb://localhost:27017
    database: console
    timeout: 10s
relay:
  enabled: true
  redis_addr: localhost:6379
  stream_max_len: 5000
executor:
  provider: openai
  model: gpt-4o
  api_key_env: OPENAI_API_KEY
dispatch:
  timeout: 30s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Equal(t, storeKindMongo, cfg.Store.Kind)
	require.Equal(t, "mongodb://localhost:27017", cfg.Store.Mongo.URI)
	require.Equal(t, 10*time.Second, cfg.Store.Mongo.Timeout)
	require.True(t, cfg.Relay.Enabled)
	require.Equal(t, 5000, cfg.Relay.StreamMaxLen)
	require.Equal(t, executorOpenAI, cfg.Executor.Provider)
	require.Equal(t, "gpt-4o", cfg.Executor.Model)
	require.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown store kind",
			content: "store:\n  kind: etcd\n",
			wantErr: `unknown store kind "etcd"`,
		},
		{
			name:    "mongo without uri",
			content: "store:\n  kind: mongo\n",
			wantErr: "store.mongo.uri is required",
		},
		{
			name:    "mongo without database",
			content: "store:\n  kind: mongo\n  mongo:\n    uri: mongodb://localhost\n",
			wantErr: "store.mongo.database is required",
		},
		{
			name:    "relay without redis",
			content: "relay:\n  enabled: true\n",
			wantErr: "relay.redis_addr is required when the relay is enabled",
		},
		{
			name:    "unknown executor provider",
			content: "executor:\n  provider: llama\n",
			wantErr: `unknown executor provider "llama"`,
		},
		{
			name:    "executor without model",
			content: "executor:\n  provider: openai\n  model: \"\"\n",
			wantErr: `executor.model is required for provider "openai"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			require.EqualError(t, err, tc.wantErr)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "read config")
}
