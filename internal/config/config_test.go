package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	path := writeConfig(t, "server:\n  port: 8080\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "https://ai-gateway.vercel.sh/v1", cfg.Gateway.BaseURL)
	require.Equal(t, 1000, cfg.Gateway.MaxTokens)
	require.InDelta(t, 0.7, cfg.Gateway.Temperature, 1e-9)
	require.Equal(t, 30*time.Second, cfg.Gateway.ReadTimeout())
	require.InDelta(t, 10.00, cfg.Credits.Balance, 1e-9)
	require.Equal(t, "USD", cfg.Credits.Currency)
	require.Equal(t, 100, cfg.RateLimit.RequestsPerMinute)
	require.Equal(t, "braincolab.db", cfg.Knowledge.Path)
}

func TestLoadReadsAPIKeyFromEnv(t *testing.T) {
	t.Setenv(APIKeyEnv, "sk-test")
	path := writeConfig(t, "server:\n  port: 3000\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-test", cfg.Gateway.APIKey)
}

func TestConfigFileKeyWinsOverEnv(t *testing.T) {
	t.Setenv(APIKeyEnv, "sk-env")
	path := writeConfig(t, "gateway:\n  api_key: sk-file\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk-file", cfg.Gateway.APIKey)
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 99999\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "server.port")
}

func TestLoadRejectsBadTemperature(t *testing.T) {
	path := writeConfig(t, "gateway:\n  temperature: 3.5\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "temperature")
}

func TestLoadRejectsEmptyModelID(t *testing.T) {
	path := writeConfig(t, "models:\n  - id: \"\"\n    name: broken\n")

	_, err := Load(path)
	require.ErrorContains(t, err, "models[0]")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadModelCatalogEntries(t *testing.T) {
	path := writeConfig(t, `
models:
  - id: m1
    name: Model One
    provider: Test
    input_price: 0.5
    output_price: 1.5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Models, 1)
	require.Equal(t, "m1", cfg.Models[0].ID)
	require.InDelta(t, 1.5, cfg.Models[0].OutputPrice, 1e-9)
}
