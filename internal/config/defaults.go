package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file.
const (
	defaultLogLevel  = "info"
	defaultLogFormat = "auto"

	defaultActivity                  = "run"
	defaultDeclineTimeout            = "60s"
	defaultStartLead                 = "3s"
	defaultHeartbeatInterval         = "5s"
	defaultPublishInterval           = "1s"
	defaultLowBatteryPublishInterval = "5s"
	defaultLowBatteryThreshold       = 0.2
	defaultBatteryCheckInterval      = "30s"
	defaultExtendedDisconnect        = "3m"
	defaultLeadThresholdM            = 10.0
	defaultLeadDebounce              = "30s"

	defaultStaleMultiple        = 2.0
	defaultDisconnectAfter      = "30s"
	defaultExtrapolationCeiling = defaultLowBatteryPublishInterval // one publish interval at the slowest cadence

	defaultMaxAttempts         = 3
	defaultRetryStep           = "250ms"
	defaultQueueCapacity       = 64
	defaultOutboxRetryInterval = "10s"
	defaultDedupTTL            = "10m"

	defaultPingInterval   = "5s"
	defaultWriteTimeout   = "5s"
	defaultReconnectMax   = "30s"
	defaultConnectTimeout = "10s"

	defaultPollInterval     = "15m"
	defaultBackgroundBudget = "25s"
	defaultRouteBatchSize   = 5
	defaultRouteConcurrency = 2
	defaultRouteMaxAttempts = 3
	defaultRouteRetryDelay  = "1m"
	defaultRouteClaimLease  = "10m"

	defaultRequestTimeout = "30s"

	defaultStateDBName      = "pacepair.db"
	defaultRecoveryFileName = "recovery.json"
	defaultNotifyDirName    = "notify"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Session: SessionConfig{
			Activity:                  defaultActivity,
			DeclineTimeout:            defaultDeclineTimeout,
			StartLead:                 defaultStartLead,
			HeartbeatInterval:         defaultHeartbeatInterval,
			PublishInterval:           defaultPublishInterval,
			LowBatteryPublishInterval: defaultLowBatteryPublishInterval,
			LowBatteryThreshold:       defaultLowBatteryThreshold,
			BatteryCheckInterval:      defaultBatteryCheckInterval,
			ExtendedDisconnect:        defaultExtendedDisconnect,
			LeadThresholdM:            defaultLeadThresholdM,
			LeadDebounce:              defaultLeadDebounce,
		},
		Partner: PartnerConfig{
			StaleMultiple:        defaultStaleMultiple,
			DisconnectAfter:      defaultDisconnectAfter,
			ExtrapolationCeiling: defaultExtrapolationCeiling,
		},
		Transport: TransportConfig{
			MaxAttempts:         defaultMaxAttempts,
			RetryStep:           defaultRetryStep,
			QueueCapacity:       defaultQueueCapacity,
			OutboxRetryInterval: defaultOutboxRetryInterval,
			DedupTTL:            defaultDedupTTL,
		},
		Network: NetworkConfig{
			PingInterval:   defaultPingInterval,
			WriteTimeout:   defaultWriteTimeout,
			ReconnectMax:   defaultReconnectMax,
			ConnectTimeout: defaultConnectTimeout,
		},
		Ingest: IngestConfig{
			PollInterval:     defaultPollInterval,
			BackgroundBudget: defaultBackgroundBudget,
			RouteBatchSize:   defaultRouteBatchSize,
			RouteConcurrency: defaultRouteConcurrency,
			RouteMaxAttempts: defaultRouteMaxAttempts,
			RouteRetryDelay:  defaultRouteRetryDelay,
			RouteClaimLease:  defaultRouteClaimLease,
		},
		Health: HealthConfig{
			RequestTimeout: defaultRequestTimeout,
		},
	}
}
