package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated
// summary to w. This powers "config show": the effective values after all
// override layers have been applied. Secrets are never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)

	if r.LogFile != "" {
		ew.printf("  log_file   = %q\n", r.LogFile)
	}

	ew.printf("  log_format = %q\n\n", r.LogFormat)

	ew.printf("[session]\n")
	ew.printf("  user_id                      = %q\n", r.UserID)
	ew.printf("  user_name                    = %q\n", r.UserName)
	ew.printf("  activity                     = %q\n", r.Activity)
	ew.printf("  decline_timeout              = %q\n", r.DeclineTimeout)
	ew.printf("  start_lead                   = %q\n", r.StartLead)
	ew.printf("  heartbeat_interval           = %q\n", r.HeartbeatInterval)
	ew.printf("  publish_interval             = %q\n", r.PublishInterval)
	ew.printf("  low_battery_publish_interval = %q\n", r.LowBatteryPublishInterval)
	ew.printf("  low_battery_threshold        = %g\n", r.LowBatteryThreshold)
	ew.printf("  battery_check_interval       = %q\n", r.BatteryCheckInterval)
	ew.printf("  extended_disconnect          = %q\n", r.ExtendedDisconnect)
	ew.printf("  lead_threshold_m             = %g\n", r.LeadThresholdM)
	ew.printf("  lead_debounce                = %q\n\n", r.LeadDebounce)

	ew.printf("[partner]\n")
	ew.printf("  stale_multiple        = %g\n", r.StaleMultiple)
	ew.printf("  disconnect_after      = %q\n", r.DisconnectAfter)
	ew.printf("  extrapolation_ceiling = %q\n\n", r.ExtrapolationCeiling)

	ew.printf("[transport]\n")
	ew.printf("  max_attempts          = %d\n", r.MaxAttempts)
	ew.printf("  retry_step            = %q\n", r.RetryStep)
	ew.printf("  queue_capacity        = %d\n", r.QueueCapacity)
	ew.printf("  outbox_retry_interval = %q\n", r.OutboxRetryInterval)
	ew.printf("  dedup_ttl             = %q\n\n", r.DedupTTL)

	ew.printf("[network]\n")

	if r.ListenAddr != "" {
		ew.printf("  listen_addr     = %q\n", r.ListenAddr)
	}

	if r.ConnectURL != "" {
		ew.printf("  connect_url     = %q\n", r.ConnectURL)
	}

	ew.printf("  ping_interval   = %q\n", r.PingInterval)
	ew.printf("  write_timeout   = %q\n", r.WriteTimeout)
	ew.printf("  reconnect_max   = %q\n", r.ReconnectMax)
	ew.printf("  connect_timeout = %q\n\n", r.ConnectTimeout)

	ew.printf("[ingest]\n")
	ew.printf("  poll_interval      = %q\n", r.PollInterval)
	ew.printf("  background_budget  = %q\n", r.BackgroundBudget)
	ew.printf("  notify_dir         = %q\n", r.NotifyDir)
	ew.printf("  route_batch_size   = %d\n", r.RouteBatchSize)
	ew.printf("  route_concurrency  = %d\n", r.RouteConcurrency)
	ew.printf("  route_max_attempts = %d\n", r.RouteMaxAttempts)
	ew.printf("  route_retry_delay  = %q\n", r.RouteRetryDelay)
	ew.printf("  route_claim_lease  = %q\n\n", r.RouteClaimLease)

	ew.printf("[health]\n")

	if r.FeedURL != "" {
		ew.printf("  feed_url        = %q\n", r.FeedURL)
	}

	ew.printf("  request_timeout = %q\n", r.RequestTimeout)

	if r.TokenFile != "" {
		ew.printf("  token_file      = %q\n", r.TokenFile)
	}

	if r.ClientID != "" {
		ew.printf("  client_id       = %q\n", r.ClientID)
		ew.printf("  token_url       = %q\n", r.TokenURL)
	}

	if len(r.Scopes) > 0 {
		ew.printf("  scopes          = [%s]\n", joinQuoted(r.Scopes))
	}

	ew.printf("\n[paths]\n")
	ew.printf("  data_dir      = %q\n", r.DataDir)
	ew.printf("  state_db      = %q\n", r.StateDB)
	ew.printf("  recovery_file = %q\n", r.RecoveryFile)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
