package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/custom/config.toml")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvUserID, "ana")
	t.Setenv(EnvUserName, "Ana")
	t.Setenv(EnvFeedURL, "https://feed.example.com")
	t.Setenv(EnvClientSecret, "s3cret")
	t.Setenv(EnvDataDir, "/data")

	o := ReadEnvOverrides()
	assert.Equal(t, "/custom/config.toml", o.ConfigPath)
	assert.Equal(t, "debug", o.LogLevel)
	assert.Equal(t, "ana", o.UserID)
	assert.Equal(t, "Ana", o.UserName)
	assert.Equal(t, "https://feed.example.com", o.FeedURL)
	assert.Equal(t, "s3cret", o.ClientSecret)
	assert.Equal(t, "/data", o.DataDir)
}

func TestEnvOverrides_ApplyOnlySetFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.UserID = "file-user"
	cfg.Health.FeedURL = "https://file.example.com"

	EnvOverrides{FeedURL: "https://env.example.com"}.apply(cfg)

	assert.Equal(t, "file-user", cfg.Session.UserID)
	assert.Equal(t, "https://env.example.com", cfg.Health.FeedURL)
	assert.Equal(t, defaultLogLevel, cfg.Logging.LogLevel)
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "PACEPAIR_CONFIG", EnvConfig)
	assert.Equal(t, "PACEPAIR_DATA_DIR", EnvDataDir)
}
