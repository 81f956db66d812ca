package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tonimelisma/pacepair/internal/healthapi"
	"github.com/tonimelisma/pacepair/internal/ingest"
	"github.com/tonimelisma/pacepair/internal/metrics"
	"github.com/tonimelisma/pacepair/internal/store"
)

const (
	metricsReadHeaderTimeout = 5 * time.Second
	metricsShutdownTimeout   = 2 * time.Second
)

var errNoFeedURL = errors.New("health.feed_url is not configured")

// openState opens the state database named by the resolved config.
func openState(ctx context.Context, cc *CLIContext) (*sql.DB, error) {
	db, err := store.Open(ctx, cc.Cfg.StateDB, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return db, nil
}

// newMetrics creates the collectors. When --metrics-addr is set they are
// registered on a fresh registry which is served until ctx ends.
func newMetrics(ctx context.Context, cc *CLIContext) (*metrics.Metrics, error) {
	if cc.Flags.MetricsAddr == "" {
		return metrics.New(nil), nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := metrics.New(reg)

	if err := serveMetrics(ctx, cc.Flags.MetricsAddr, reg, cc.Logger); err != nil {
		return nil, err
	}

	return m, nil
}

// serveMetrics starts an HTTP server exposing reg on /metrics. It returns
// once the listener is up; the server shuts down when ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	ln, err := listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))

	return nil
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig

	return lc.Listen(ctx, "tcp", addr)
}

// newHealthSource builds the feed client from the health section.
func newHealthSource(ctx context.Context, cc *CLIContext) (*healthapi.Client, error) {
	cfg := cc.Cfg

	if cfg.FeedURL == "" {
		return nil, errNoFeedURL
	}

	tokens, err := healthapi.NewTokenSource(ctx, healthapi.Credentials{
		TokenFile:    cfg.TokenFile,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	}, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("health credentials: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	return healthapi.NewClient(cfg.FeedURL, httpClient, tokens, cc.Logger), nil
}

// ingestStack is everything the ingest commands share.
type ingestStack struct {
	db     *sql.DB
	store  *ingest.Store
	routes *ingest.RouteQueue
	syncer *ingest.Syncer
}

func (s *ingestStack) Close() error {
	return s.db.Close()
}

// newIngestStack opens the state database and wires the store, route queue
// and syncer to the health feed.
func newIngestStack(ctx context.Context, cc *CLIContext, m *metrics.Metrics) (*ingestStack, error) {
	source, err := newHealthSource(ctx, cc)
	if err != nil {
		return nil, err
	}

	db, err := openState(ctx, cc)
	if err != nil {
		return nil, err
	}

	st := ingest.NewStore(db, cc.Logger)
	routes := ingest.NewRouteQueue(st, source, ingest.RouteQueueConfig{
		BatchSize:   cc.Cfg.RouteBatchSize,
		Concurrency: cc.Cfg.RouteConcurrency,
		MaxAttempts: cc.Cfg.RouteMaxAttempts,
		RetryDelay:  cc.Cfg.RouteRetryDelay,
		ClaimLease:  cc.Cfg.RouteClaimLease,
	}, m, cc.Logger)

	return &ingestStack{
		db:     db,
		store:  st,
		routes: routes,
		syncer: ingest.NewSyncer(st, source, routes, m, cc.Logger),
	}, nil
}
