package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSConfig tunes a WebSocket link.
type WSConfig struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	DialTimeout    time.Duration // bounds each handshake attempt
	InsecureOrigin bool          // accept side: skip the Origin check
}

// DefaultWSConfig returns the link defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		PingInterval: 5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    64 << 10,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// WSLink is a Link over a single WebSocket connection. One side runs Dial,
// which reconnects until its context ends; the other mounts the link as an
// http.Handler. Only one peer connection is held at a time.
type WSLink struct {
	cfg    WSConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	reach  chan bool
	frames chan []byte

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewWSLink creates an unconnected link.
func NewWSLink(cfg WSConfig, logger *slog.Logger) *WSLink {
	def := DefaultWSConfig()

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectMin)
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}

	return &WSLink{
		cfg:       cfg,
		logger:    logger,
		reach:     make(chan bool, 16),
		frames:    make(chan []byte, 64),
		sleepFunc: sleepCtx,
	}
}

// Reachable implements Link.
func (l *WSLink) Reachable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn != nil
}

// Reachability implements Link.
func (l *WSLink) Reachability() <-chan bool { return l.reach }

// Frames implements Link.
func (l *WSLink) Frames() <-chan []byte { return l.frames }

// Send implements Link.
func (l *WSLink) Send(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return ErrUnreachable
	}

	wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageBinary, frame); err != nil {
		// A failed write leaves the connection in an unknown state.
		conn.CloseNow()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	return nil
}

// Dial connects to url and keeps reconnecting with exponential backoff
// until ctx is done. It returns nil on cancellation.
func (l *WSLink) Dial(ctx context.Context, url string) error {
	backoff := l.cfg.ReconnectMin

	for ctx.Err() == nil {
		conn, err := l.dialOnce(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			l.logger.Debug("peer dial failed",
				slog.String("url", url),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if err := l.sleepFunc(ctx, backoff); err != nil {
				return nil
			}

			backoff = min(backoff*2, l.cfg.ReconnectMax)

			continue
		}

		backoff = l.cfg.ReconnectMin

		if !l.serve(ctx, conn, url) {
			if err := l.sleepFunc(ctx, backoff); err != nil {
				return nil
			}
		}
	}

	return nil
}

func (l *WSLink) dialOnce(ctx context.Context, url string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, url, nil)

	return conn, err
}

// ServeHTTP accepts the peer's connection and blocks while it is open. A
// second concurrent connection is refused.
func (l *WSLink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: l.cfg.InsecureOrigin,
	})
	if err != nil {
		l.logger.Warn("peer upgrade failed", slog.String("error", err.Error()))
		return
	}

	l.serve(r.Context(), conn, r.RemoteAddr)
}

// Close drops the current connection, if any.
func (l *WSLink) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close(websocket.StatusNormalClosure, "closing")
}

// serve runs the read loop for conn until it fails or ctx ends. It returns
// false without reading when another connection already holds the link.
func (l *WSLink) serve(ctx context.Context, conn *websocket.Conn, peer string) bool {
	if !l.attach(conn) {
		l.logger.Info("peer connection refused, link already connected", slog.String("peer", peer))
		conn.Close(websocket.StatusTryAgainLater, "peer already connected")

		return false
	}
	defer l.detach(conn)

	l.logger.Info("peer connected", slog.String("peer", peer))
	conn.SetReadLimit(l.cfg.ReadLimit)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go l.pingLoop(connCtx, conn)

	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && connCtx.Err() == nil {
				l.logger.Info("peer connection lost", slog.String("error", err.Error()))
			}

			conn.CloseNow()

			return true
		}

		if typ != websocket.MessageBinary {
			l.logger.Debug("ignoring non-binary frame")
			continue
		}

		select {
		case l.frames <- data:
		case <-connCtx.Done():
			conn.CloseNow()
			return true
		}
	}
}

func (l *WSLink) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Debug("peer ping failed", slog.String("error", err.Error()))
				conn.CloseNow()

				return
			}
		}
	}
}

// attach claims the link for conn unless another connection holds it.
func (l *WSLink) attach(conn *websocket.Conn) bool {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return false
	}
	l.conn = conn
	l.mu.Unlock()

	l.notify(true)

	return true
}

func (l *WSLink) detach(conn *websocket.Conn) {
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
	}
	l.mu.Unlock()

	if current {
		l.notify(false)
	}
}

// notify publishes a reachability change without blocking the read loop.
// Consumers that fall far behind also poll Reachable.
func (l *WSLink) notify(up bool) {
	select {
	case l.reach <- up:
	default:
		l.logger.Warn("reachability change dropped", slog.Bool("reachable", up))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Link = (*WSLink)(nil)
