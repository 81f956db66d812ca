// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for pacepair. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags. Durations are written as strings ("5s", "3m") and parsed once into
// a Resolved value during validation.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Every section is optional; missing keys keep their defaults.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Session   SessionConfig   `toml:"session"`
	Partner   PartnerConfig   `toml:"partner"`
	Transport TransportConfig `toml:"transport"`
	Network   NetworkConfig   `toml:"network"`
	Ingest    IngestConfig    `toml:"ingest"`
	Health    HealthConfig    `toml:"health"`
	Paths     PathsConfig     `toml:"paths"`
}

// LoggingConfig controls log output: level, destination and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// SessionConfig is the local runner's identity and the run timings.
type SessionConfig struct {
	UserID                    string  `toml:"user_id"`
	UserName                  string  `toml:"user_name"`
	Activity                  string  `toml:"activity"`
	DeclineTimeout            string  `toml:"decline_timeout"`
	StartLead                 string  `toml:"start_lead"`
	HeartbeatInterval         string  `toml:"heartbeat_interval"`
	PublishInterval           string  `toml:"publish_interval"`
	LowBatteryPublishInterval string  `toml:"low_battery_publish_interval"`
	LowBatteryThreshold       float64 `toml:"low_battery_threshold"`
	BatteryCheckInterval      string  `toml:"battery_check_interval"`
	ExtendedDisconnect        string  `toml:"extended_disconnect"`
	LeadThresholdM            float64 `toml:"lead_threshold_m"`
	LeadDebounce              string  `toml:"lead_debounce"`
}

// PartnerConfig sets how partner data ages.
type PartnerConfig struct {
	StaleMultiple        float64 `toml:"stale_multiple"`
	DisconnectAfter      string  `toml:"disconnect_after"`
	ExtrapolationCeiling string  `toml:"extrapolation_ceiling"`
}

// TransportConfig controls best-effort retries, the offline queue and the
// guaranteed outbox.
type TransportConfig struct {
	MaxAttempts         int    `toml:"max_attempts"`
	RetryStep           string `toml:"retry_step"`
	QueueCapacity       int    `toml:"queue_capacity"`
	OutboxRetryInterval string `toml:"outbox_retry_interval"`
	DedupTTL            string `toml:"dedup_ttl"`
}

// NetworkConfig holds the peer link endpoints and timings. One device
// listens, the other connects.
type NetworkConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	ConnectURL     string `toml:"connect_url"`
	PingInterval   string `toml:"ping_interval"`
	WriteTimeout   string `toml:"write_timeout"`
	ReconnectMax   string `toml:"reconnect_max"`
	ConnectTimeout string `toml:"connect_timeout"`
}

// IngestConfig controls the health feed sync and the route fetch queue.
type IngestConfig struct {
	PollInterval     string `toml:"poll_interval"`
	BackgroundBudget string `toml:"background_budget"`
	NotifyDir        string `toml:"notify_dir"`
	RouteBatchSize   int    `toml:"route_batch_size"`
	RouteConcurrency int    `toml:"route_concurrency"`
	RouteMaxAttempts int    `toml:"route_max_attempts"`
	RouteRetryDelay  string `toml:"route_retry_delay"`
	RouteClaimLease  string `toml:"route_claim_lease"`
}

// HealthConfig locates the health data feed and its credentials.
type HealthConfig struct {
	FeedURL        string   `toml:"feed_url"`
	RequestTimeout string   `toml:"request_timeout"`
	TokenFile      string   `toml:"token_file"`
	TokenURL       string   `toml:"token_url"`
	ClientID       string   `toml:"client_id"`
	ClientSecret   string   `toml:"client_secret"`
	Scopes         []string `toml:"scopes"`
}

// PathsConfig overrides where state lives. Empty values fall back to the
// platform data directory.
type PathsConfig struct {
	DataDir      string `toml:"data_dir"`
	StateDB      string `toml:"state_db"`
	RecoveryFile string `toml:"recovery_file"`
}

// Resolved is the validated, fully parsed configuration handed to the
// components. All durations are parsed and all paths are absolute.
type Resolved struct {
	ConfigPath string `json:"config_path"`

	LogLevel  string `json:"log_level"`
	LogFile   string `json:"log_file,omitempty"`
	LogFormat string `json:"log_format"`

	UserID                    string        `json:"user_id"`
	UserName                  string        `json:"user_name"`
	Activity                  string        `json:"activity"`
	DeclineTimeout            time.Duration `json:"decline_timeout"`
	StartLead                 time.Duration `json:"start_lead"`
	HeartbeatInterval         time.Duration `json:"heartbeat_interval"`
	PublishInterval           time.Duration `json:"publish_interval"`
	LowBatteryPublishInterval time.Duration `json:"low_battery_publish_interval"`
	LowBatteryThreshold       float64       `json:"low_battery_threshold"`
	BatteryCheckInterval      time.Duration `json:"battery_check_interval"`
	ExtendedDisconnect        time.Duration `json:"extended_disconnect"`
	LeadThresholdM            float64       `json:"lead_threshold_m"`
	LeadDebounce              time.Duration `json:"lead_debounce"`

	StaleMultiple        float64       `json:"stale_multiple"`
	DisconnectAfter      time.Duration `json:"disconnect_after"`
	ExtrapolationCeiling time.Duration `json:"extrapolation_ceiling"`

	MaxAttempts         int           `json:"max_attempts"`
	RetryStep           time.Duration `json:"retry_step"`
	QueueCapacity       int           `json:"queue_capacity"`
	OutboxRetryInterval time.Duration `json:"outbox_retry_interval"`
	DedupTTL            time.Duration `json:"dedup_ttl"`

	ListenAddr     string        `json:"listen_addr,omitempty"`
	ConnectURL     string        `json:"connect_url,omitempty"`
	PingInterval   time.Duration `json:"ping_interval"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	ReconnectMax   time.Duration `json:"reconnect_max"`
	ConnectTimeout time.Duration `json:"connect_timeout"`

	PollInterval     time.Duration `json:"poll_interval"`
	BackgroundBudget time.Duration `json:"background_budget"`
	NotifyDir        string        `json:"notify_dir"`
	RouteBatchSize   int           `json:"route_batch_size"`
	RouteConcurrency int           `json:"route_concurrency"`
	RouteMaxAttempts int           `json:"route_max_attempts"`
	RouteRetryDelay  time.Duration `json:"route_retry_delay"`
	RouteClaimLease  time.Duration `json:"route_claim_lease"`

	FeedURL        string        `json:"feed_url,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout"`
	TokenFile      string        `json:"token_file,omitempty"`
	TokenURL       string        `json:"token_url,omitempty"`
	ClientID       string        `json:"client_id,omitempty"`
	ClientSecret   string        `json:"-"`
	Scopes         []string      `json:"scopes,omitempty"`

	DataDir      string `json:"data_dir"`
	StateDB      string `json:"state_db"`
	RecoveryFile string `json:"recovery_file"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from an explicit zero value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	LogLevel   *string // --verbose / --quiet
	ListenAddr *string // run --listen
	ConnectURL *string // run --connect
	UserName   *string // run --name
}
