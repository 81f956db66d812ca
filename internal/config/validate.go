package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Validation range constants.
const (
	minPublishInterval   = 100 * time.Millisecond
	minHeartbeatInterval = time.Second
	minDeclineTimeout    = 5 * time.Second
	minPollInterval      = time.Minute
	minBackgroundBudget  = time.Second
	minTimeout           = time.Second
	maxQueueCapacity     = 10_000
	maxRouteConcurrency  = 16
	minRouteClaimLease   = time.Minute
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

var validActivities = map[string]bool{
	"run":  true,
	"walk": true,
}

// validator accumulates every error rather than stopping at the first, so
// users see a complete report and can fix all issues in one pass.
type validator struct {
	errs []error
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

// duration parses a duration string and checks it against a minimum.
func (v *validator) duration(field, value string, minimum time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		v.fail("%s: invalid duration %q: %w", field, value, err)
		return 0
	}

	if d < minimum {
		v.fail("%s: must be >= %s, got %s", field, minimum, d)
	}

	return d
}

func (v *validator) intRange(field string, value, lo, hi int) int {
	if value < lo || value > hi {
		v.fail("%s: must be between %d and %d, got %d", field, lo, hi, value)
	}

	return value
}

// Validate checks all configuration values and returns the parsed result.
// All problems are reported together.
func Validate(cfg *Config) (*Resolved, error) {
	v := &validator{}
	r := &Resolved{}

	validateLogging(v, &cfg.Logging, r)
	validateSession(v, &cfg.Session, r)
	validatePartner(v, &cfg.Partner, r)
	validateTransport(v, &cfg.Transport, r)
	validateNetwork(v, &cfg.Network, r)
	validateIngest(v, &cfg.Ingest, r)
	validateHealth(v, &cfg.Health, r)
	resolvePaths(&cfg.Paths, &cfg.Ingest, r)

	if err := errors.Join(v.errs...); err != nil {
		return nil, err
	}

	return r, nil
}

func validateLogging(v *validator, l *LoggingConfig, r *Resolved) {
	if !validLogLevels[l.LogLevel] {
		v.fail("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel)
	}

	if !validLogFormats[l.LogFormat] {
		v.fail("log_format: must be one of auto, text, json; got %q", l.LogFormat)
	}

	r.LogLevel = l.LogLevel
	r.LogFormat = l.LogFormat
	r.LogFile = expandTilde(l.LogFile)
}

func validateSession(v *validator, s *SessionConfig, r *Resolved) {
	if !validActivities[s.Activity] {
		v.fail("activity: must be one of run, walk; got %q", s.Activity)
	}

	if s.LowBatteryThreshold <= 0 || s.LowBatteryThreshold >= 1 {
		v.fail("low_battery_threshold: must be between 0 and 1 exclusive, got %g", s.LowBatteryThreshold)
	}

	if s.LeadThresholdM <= 0 {
		v.fail("lead_threshold_m: must be > 0, got %g", s.LeadThresholdM)
	}

	r.UserID = s.UserID
	if r.UserID == "" {
		// A stable per-device default; two devices on one host need
		// explicit ids.
		if host, err := os.Hostname(); err == nil {
			r.UserID = host
		}
	}

	r.UserName = s.UserName
	if r.UserName == "" {
		r.UserName = r.UserID
	}

	r.Activity = s.Activity
	r.DeclineTimeout = v.duration("decline_timeout", s.DeclineTimeout, minDeclineTimeout)
	r.StartLead = v.duration("start_lead", s.StartLead, 0)
	r.HeartbeatInterval = v.duration("heartbeat_interval", s.HeartbeatInterval, minHeartbeatInterval)
	r.PublishInterval = v.duration("publish_interval", s.PublishInterval, minPublishInterval)
	r.LowBatteryPublishInterval = v.duration("low_battery_publish_interval",
		s.LowBatteryPublishInterval, minPublishInterval)
	r.LowBatteryThreshold = s.LowBatteryThreshold
	r.BatteryCheckInterval = v.duration("battery_check_interval", s.BatteryCheckInterval, time.Second)
	r.ExtendedDisconnect = v.duration("extended_disconnect", s.ExtendedDisconnect, time.Second)
	r.LeadThresholdM = s.LeadThresholdM
	r.LeadDebounce = v.duration("lead_debounce", s.LeadDebounce, 0)

	if r.LowBatteryPublishInterval != 0 && r.LowBatteryPublishInterval < r.PublishInterval {
		v.fail("low_battery_publish_interval: must not be shorter than publish_interval")
	}
}

func validatePartner(v *validator, p *PartnerConfig, r *Resolved) {
	if p.StaleMultiple < 1 {
		v.fail("stale_multiple: must be >= 1, got %g", p.StaleMultiple)
	}

	r.StaleMultiple = p.StaleMultiple
	r.DisconnectAfter = v.duration("disconnect_after", p.DisconnectAfter, time.Second)
	r.ExtrapolationCeiling = v.duration("extrapolation_ceiling", p.ExtrapolationCeiling, 0)

	// A partner publishing on time must never read as stale.
	if r.PublishInterval != 0 && r.ExtrapolationCeiling < r.PublishInterval {
		v.fail("extrapolation_ceiling: must not be shorter than publish_interval")
	}
}

func validateTransport(v *validator, t *TransportConfig, r *Resolved) {
	r.MaxAttempts = v.intRange("max_attempts", t.MaxAttempts, 1, 10)
	r.QueueCapacity = v.intRange("queue_capacity", t.QueueCapacity, 1, maxQueueCapacity)
	r.RetryStep = v.duration("retry_step", t.RetryStep, 0)
	r.OutboxRetryInterval = v.duration("outbox_retry_interval", t.OutboxRetryInterval, time.Second)
	r.DedupTTL = v.duration("dedup_ttl", t.DedupTTL, time.Minute)
}

func validateNetwork(v *validator, n *NetworkConfig, r *Resolved) {
	if n.ListenAddr != "" && n.ConnectURL != "" {
		v.fail("listen_addr and connect_url are mutually exclusive")
	}

	if n.ConnectURL != "" {
		u, err := url.Parse(n.ConnectURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			v.fail("connect_url: must be a ws:// or wss:// URL, got %q", n.ConnectURL)
		}
	}

	r.ListenAddr = n.ListenAddr
	r.ConnectURL = n.ConnectURL
	r.PingInterval = v.duration("ping_interval", n.PingInterval, time.Second)
	r.WriteTimeout = v.duration("write_timeout", n.WriteTimeout, minTimeout)
	r.ReconnectMax = v.duration("reconnect_max", n.ReconnectMax, time.Second)
	r.ConnectTimeout = v.duration("connect_timeout", n.ConnectTimeout, minTimeout)
}

func validateIngest(v *validator, in *IngestConfig, r *Resolved) {
	r.PollInterval = v.duration("poll_interval", in.PollInterval, minPollInterval)
	r.BackgroundBudget = v.duration("background_budget", in.BackgroundBudget, minBackgroundBudget)
	r.RouteBatchSize = v.intRange("route_batch_size", in.RouteBatchSize, 1, 100)
	r.RouteConcurrency = v.intRange("route_concurrency", in.RouteConcurrency, 1, maxRouteConcurrency)
	r.RouteMaxAttempts = v.intRange("route_max_attempts", in.RouteMaxAttempts, 1, 100)
	r.RouteRetryDelay = v.duration("route_retry_delay", in.RouteRetryDelay, 0)
	r.RouteClaimLease = v.duration("route_claim_lease", in.RouteClaimLease, minRouteClaimLease)
}

func validateHealth(v *validator, h *HealthConfig, r *Resolved) {
	if h.FeedURL != "" {
		u, err := url.Parse(h.FeedURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.fail("feed_url: must be an http:// or https:// URL, got %q", h.FeedURL)
		}
	}

	if (h.ClientID == "") != (h.TokenURL == "") {
		v.fail("client_id and token_url must be set together")
	}

	r.FeedURL = h.FeedURL
	r.RequestTimeout = v.duration("request_timeout", h.RequestTimeout, minTimeout)
	r.TokenFile = expandTilde(h.TokenFile)
	r.TokenURL = h.TokenURL
	r.ClientID = h.ClientID
	r.ClientSecret = h.ClientSecret
	r.Scopes = h.Scopes
}

func resolvePaths(p *PathsConfig, in *IngestConfig, r *Resolved) {
	r.DataDir = expandTilde(p.DataDir)
	if r.DataDir == "" {
		r.DataDir = DefaultDataDir()
	}

	r.StateDB = resolvePath(p.StateDB, r.DataDir, defaultStateDBName)
	r.RecoveryFile = resolvePath(p.RecoveryFile, r.DataDir, defaultRecoveryFileName)
	r.NotifyDir = resolvePath(in.NotifyDir, r.DataDir, defaultNotifyDirName)
}
