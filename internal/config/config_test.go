package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":8090", cfg.APIListenAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.UploadTimeout)
	assert.Equal(t, time.Second, cfg.IdentityWait)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxAttachmentBytes)
	assert.Equal(t, 10, cfg.HistoryWindow)
	assert.Equal(t, "gemini-2.5-flash", cfg.DefaultModel)
	assert.False(t, cfg.BlobEnabled())
	assert.False(t, cfg.RedisEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "postgres://localhost/analyst")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("UPLOAD_TIMEOUT", "2s")
	t.Setenv("API_CORS_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 2*time.Second, cfg.UploadTimeout)
	assert.True(t, cfg.RedisEnabled())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOriginList())
}

func TestLoad_InvalidDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	_, err := Load()
	assert.ErrorContains(t, err, "DB_DRIVER")
}

func TestLoad_AnonymousAuthNeedsSecret(t *testing.T) {
	t.Setenv("API_AUTH_MODE", "anonymous")
	_, err := Load()
	assert.ErrorContains(t, err, "IDENTITY_SECRET")

	t.Setenv("IDENTITY_SECRET", "s3cret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "anonymous", cfg.APIAuthMode)
}

func TestLoadWithPrefix(t *testing.T) {
	t.Setenv("ANALYST_HISTORY_WINDOW", "4")
	cfg, err := LoadWithPrefix("ANALYST")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.HistoryWindow)
}
