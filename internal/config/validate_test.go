package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.UserID = "ana"
	cfg.Paths.DataDir = "/data"

	r, err := Validate(cfg)
	require.NoError(t, err)

	assert.Equal(t, "ana", r.UserID)
	assert.Equal(t, "ana", r.UserName, "user name falls back to the id")
	assert.Equal(t, 60*time.Second, r.DeclineTimeout)
	assert.Equal(t, 3*time.Second, r.StartLead)
	assert.Equal(t, 5*time.Second, r.HeartbeatInterval)
	assert.Equal(t, time.Second, r.PublishInterval)
	assert.Equal(t, 5*time.Second, r.LowBatteryPublishInterval)
	assert.Equal(t, 3*time.Minute, r.ExtendedDisconnect)
	assert.Equal(t, r.LowBatteryPublishInterval, r.ExtrapolationCeiling)
	assert.Equal(t, 30*time.Second, r.LeadDebounce)
	assert.Equal(t, 250*time.Millisecond, r.RetryStep)
	assert.Equal(t, 64, r.QueueCapacity)
	assert.Equal(t, time.Minute, r.RouteRetryDelay)
	assert.Equal(t, 10*time.Minute, r.RouteClaimLease)
	assert.Equal(t, "/data/pacepair.db", r.StateDB)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Logging.LogLevel = "loud" }, "log_level"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"activity", func(c *Config) { c.Session.Activity = "swim" }, "activity"},
		{"bad duration", func(c *Config) { c.Session.HeartbeatInterval = "often" }, "heartbeat_interval: invalid duration"},
		{"below minimum", func(c *Config) { c.Session.PublishInterval = "10ms" }, "publish_interval: must be >="},
		{"battery threshold", func(c *Config) { c.Session.LowBatteryThreshold = 1.5 }, "low_battery_threshold"},
		{"low battery faster", func(c *Config) {
			c.Session.PublishInterval = "2s"
			c.Session.LowBatteryPublishInterval = "1s"
		}, "must not be shorter"},
		{"lead threshold", func(c *Config) { c.Session.LeadThresholdM = 0 }, "lead_threshold_m"},
		{"extrapolation ceiling", func(c *Config) { c.Partner.ExtrapolationCeiling = "500ms" }, "extrapolation_ceiling"},
		{"stale multiple", func(c *Config) { c.Partner.StaleMultiple = 0.5 }, "stale_multiple"},
		{"queue capacity", func(c *Config) { c.Transport.QueueCapacity = 0 }, "queue_capacity"},
		{"max attempts", func(c *Config) { c.Transport.MaxAttempts = 50 }, "max_attempts"},
		{"connect scheme", func(c *Config) { c.Network.ConnectURL = "http://peer:7700" }, "connect_url"},
		{"route concurrency", func(c *Config) { c.Ingest.RouteConcurrency = 0 }, "route_concurrency"},
		{"poll interval", func(c *Config) { c.Ingest.PollInterval = "5s" }, "poll_interval"},
		{"claim lease", func(c *Config) { c.Ingest.RouteClaimLease = "30s" }, "route_claim_lease"},
		{"feed url", func(c *Config) { c.Health.FeedURL = "ftp://feed" }, "feed_url"},
		{"client credentials", func(c *Config) { c.Health.ClientID = "pacepair" }, "client_id and token_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			_, err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
