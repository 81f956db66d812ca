package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "PACEPAIR_CONFIG"
	EnvLogLevel     = "PACEPAIR_LOG_LEVEL"
	EnvUserID       = "PACEPAIR_USER_ID"
	EnvUserName     = "PACEPAIR_USER_NAME"
	EnvFeedURL      = "PACEPAIR_FEED_URL"
	EnvClientSecret = "PACEPAIR_CLIENT_SECRET"
	EnvDataDir      = "PACEPAIR_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables. Empty
// means "not set".
type EnvOverrides struct {
	ConfigPath   string
	LogLevel     string
	UserID       string
	UserName     string
	FeedURL      string
	ClientSecret string
	DataDir      string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		LogLevel:     os.Getenv(EnvLogLevel),
		UserID:       os.Getenv(EnvUserID),
		UserName:     os.Getenv(EnvUserName),
		FeedURL:      os.Getenv(EnvFeedURL),
		ClientSecret: os.Getenv(EnvClientSecret),
		DataDir:      os.Getenv(EnvDataDir),
	}
}

// apply copies every set override onto cfg.
func (e EnvOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&cfg.Logging.LogLevel, e.LogLevel)
	set(&cfg.Session.UserID, e.UserID)
	set(&cfg.Session.UserName, e.UserName)
	set(&cfg.Health.FeedURL, e.FeedURL)
	set(&cfg.Health.ClientSecret, e.ClientSecret)
	set(&cfg.Paths.DataDir, e.DataDir)
}
