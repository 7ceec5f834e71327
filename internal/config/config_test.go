package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot-token")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/deck")
	t.Setenv("CREDIT_API_TOKEN", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("MOCK_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.MockMode)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 20, cfg.MaxPolls)
	assert.Equal(t, 100*time.Second, cfg.PollDeadline)
	assert.Equal(t, 2*time.Second, cfg.MockSubmitDelay)
	assert.Equal(t, time.Second, cfg.MockStatusDelay)
	assert.Equal(t, 10, cfg.MockSlideCount)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{"deck_3_presentations", "deck_10_presentations", "deck_50_presentations"}, cfg.ProductIDs)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoadRequiresProviderKeysOutsideMockMode(t *testing.T) {
	setRequired(t)
	t.Setenv("MOCK_MODE", "false")
	t.Setenv("GENERATOR_API_KEY", "")
	t.Setenv("PURCHASE_PLATFORM", "ios")
	t.Setenv("PURCHASE_API_KEY_IOS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GENERATOR_API_KEY")
	assert.Contains(t, err.Error(), "PURCHASE_API_KEY_IOS")
}

func TestLoadPicksPlatformKey(t *testing.T) {
	setRequired(t)
	t.Setenv("GENERATOR_API_KEY", "gen")
	t.Setenv("PURCHASE_PLATFORM", "android")
	t.Setenv("PURCHASE_API_KEY_ANDROID", "goog_key")
	t.Setenv("PURCHASE_API_KEY_IOS", "appl_key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "goog_key", cfg.PurchaseAPIKey)
}

func TestLoadArchiveRequiresCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("MOCK_MODE", "true")
	t.Setenv("S3_BUCKET", "receipts")
	t.Setenv("S3_REGION", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_REGION")
}

func TestLoadReadsEnvFile(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("MOCK_MODE=true\nMAX_POLLS=7\nPOLL_INTERVAL=250ms\n"), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)
	t.Setenv("MOCK_MODE", "")
	t.Setenv("MAX_POLLS", "")
	t.Setenv("POLL_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxPolls)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"", "https://fallback"},
		{"api.example.com", "https://api.example.com"},
		{"http://localhost:9000/", "http://localhost:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeBaseURL(tt.raw, "https://fallback"))
		})
	}
}
