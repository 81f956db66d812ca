// Package transport moves wire envelopes between the two devices over two
// delivery classes: best-effort immediate sends with a bounded in-memory
// queue for when the peer is unreachable, and a guaranteed store-and-forward
// outbox that survives restarts. The receive side drops malformed frames and
// duplicates before handing typed messages to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/pacepair/internal/metrics"
	"github.com/tonimelisma/pacepair/internal/wire"
)

// Sentinel errors.
var (
	ErrUnreachable = errors.New("transport: peer unreachable")
	ErrSendFailed  = errors.New("transport: send failed")
	ErrDuplicate   = errors.New("transport: duplicate delivery")
)

// Link is a single connection to the peer device. Implementations must be
// safe for concurrent use.
type Link interface {
	// Send writes one frame. It fails fast with ErrUnreachable when the
	// peer is not connected.
	Send(ctx context.Context, frame []byte) error
	// Reachable reports the current connection state.
	Reachable() bool
	// Reachability delivers every connection state change.
	Reachability() <-chan bool
	// Frames delivers inbound frames.
	Frames() <-chan []byte
}

// Outcome says what happened to a best-effort send.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeQueued
)

func (o Outcome) String() string {
	if o == OutcomeSent {
		return "sent"
	}

	return "queued"
}

// Config tunes delivery.
type Config struct {
	MaxAttempts         int           // direct attempts before queueing
	RetryStep           time.Duration // linear backoff step between attempts
	QueueCapacity       int
	OutboxRetryInterval time.Duration
	DedupTTL            time.Duration
	DedupCapacity       uint64
}

// DefaultConfig returns the delivery defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		RetryStep:           250 * time.Millisecond,
		QueueCapacity:       64,
		OutboxRetryInterval: 10 * time.Second,
		DedupTTL:            10 * time.Minute,
		DedupCapacity:       4096,
	}
}

// Delivery is one accepted inbound message.
type Delivery struct {
	Envelope wire.Envelope
	Message  wire.Message
}

// Transport is the delivery layer. Create with New and drive with Run.
type Transport struct {
	link    Link
	outbox  *Outbox
	queue   *Queue
	dedup   *Dedup
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	// sendMu serializes direct sends with flushes so frames leave in the
	// order they were handed to the transport.
	sendMu sync.Mutex

	inbound chan Delivery
	kick    chan struct{}
}

// New creates a transport over link. outbox may be nil, in which case
// SendGuaranteed falls back to best-effort delivery.
func New(link Link, outbox *Outbox, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Transport {
	def := DefaultConfig()

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = def.QueueCapacity
	}

	if cfg.OutboxRetryInterval <= 0 {
		cfg.OutboxRetryInterval = def.OutboxRetryInterval
	}

	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}

	if cfg.DedupCapacity == 0 {
		cfg.DedupCapacity = def.DedupCapacity
	}

	if m == nil {
		m = metrics.New(nil)
	}

	return &Transport{
		link:    link,
		outbox:  outbox,
		queue:   NewQueue(cfg.QueueCapacity),
		dedup:   NewDedup(cfg.DedupTTL, cfg.DedupCapacity),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		inbound: make(chan Delivery, 64),
		kick:    make(chan struct{}, 1),
	}
}

// Inbound delivers decoded, deduplicated messages from the peer.
func (t *Transport) Inbound() <-chan Delivery {
	return t.inbound
}

// Reachable reports whether the peer is currently connected.
func (t *Transport) Reachable() bool {
	return t.link.Reachable()
}

// QueueLen returns the number of best-effort frames waiting.
func (t *Transport) QueueLen() int {
	return t.queue.Len()
}

// Send delivers env best-effort. When the peer is unreachable the frame is
// queued without an attempt. Otherwise frames still queued go out first, in
// order; if that fails the new frame joins them. Then it is sent with up to
// MaxAttempts tries spaced by a linear, jittered backoff, and queued if all
// of them fail. Only marshaling errors and cancellation are returned.
func (t *Transport) Send(ctx context.Context, env wire.Envelope) (Outcome, error) {
	frame, err := wire.Marshal(env)
	if err != nil {
		return OutcomeQueued, err
	}

	item := Item{ID: env.ID, Kind: env.Kind, Frame: frame}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if !t.link.Reachable() {
		t.enqueue(item)
		return OutcomeQueued, nil
	}

	if err := t.flushQueueLocked(ctx); err != nil {
		t.logger.Debug("queued frames still pending",
			slog.String("kind", string(env.Kind)),
			slog.String("error", err.Error()),
		)
		t.enqueue(item)

		return OutcomeQueued, nil
	}

	err = retry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		serr := t.link.Send(ctx, frame)
		if serr == nil {
			return nil
		}

		if errors.Is(serr, ErrUnreachable) {
			return serr
		}

		t.metrics.SendRetries.Inc()

		return retry.RetryableError(serr)
	})

	if err == nil {
		t.metrics.MessagesSent.WithLabelValues(string(env.Kind), "direct").Inc()
		return OutcomeSent, nil
	}

	if ctx.Err() != nil {
		return OutcomeQueued, fmt.Errorf("transport: sending %s: %w", env.Kind, ctx.Err())
	}

	t.logger.Debug("direct send failed, queueing",
		slog.String("kind", string(env.Kind)),
		slog.String("id", env.ID),
		slog.String("error", err.Error()),
	)

	t.enqueue(item)
	t.wake()

	return OutcomeQueued, nil
}

// wake asks the run loop for a flush without waiting for the next tick.
func (t *Transport) wake() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// flushQueueLocked sends queued frames in enqueue order, one attempt each.
// On failure the unsent frames keep their position. sendMu must be held.
func (t *Transport) flushQueueLocked(ctx context.Context) error {
	items := t.queue.TakeAll()
	if len(items) == 0 {
		return nil
	}

	for i, item := range items {
		if err := t.link.Send(ctx, item.Frame); err != nil {
			if n := t.queue.Requeue(items[i:]); n > 0 {
				t.logger.Warn("queue overflow on requeue", slog.Int("evicted", n))
			}

			t.metrics.QueueDepth.Set(float64(t.queue.Len()))

			return fmt.Errorf("%w: flushing %s: %w", ErrSendFailed, item.Kind, err)
		}

		t.metrics.MessagesSent.WithLabelValues(string(item.Kind), "queued").Inc()
	}

	t.metrics.QueueDepth.Set(float64(t.queue.Len()))
	t.logger.Info("queue flushed", slog.Int("count", len(items)))

	return nil
}

// backoff returns a fresh linear backoff: step, 2*step, ... with ±step/2
// jitter, bounded to MaxAttempts tries in total.
func (t *Transport) backoff() retry.Backoff {
	step := t.cfg.RetryStep

	var n time.Duration

	b := retry.Backoff(retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return n * step, false
	}))

	if step > 1 {
		b = retry.WithJitter(step/2, b)
	}

	return retry.WithMaxRetries(uint64(t.cfg.MaxAttempts-1), b)
}

func (t *Transport) enqueue(item Item) {
	t.metrics.MessagesQueued.WithLabelValues(string(item.Kind)).Inc()

	if evicted := t.queue.Push(item); evicted != nil {
		t.noteEvicted(*evicted)
	}

	t.metrics.QueueDepth.Set(float64(t.queue.Len()))
}

func (t *Transport) noteEvicted(item Item) {
	t.metrics.MessagesDropped.WithLabelValues(string(item.Kind), "evicted").Inc()

	level := slog.LevelDebug
	if wire.IsCritical(item.Kind) {
		level = slog.LevelWarn
	}

	t.logger.Log(context.Background(), level, "queue full, message evicted",
		slog.String("kind", string(item.Kind)),
		slog.String("id", item.ID),
		slog.Bool("critical", wire.IsCritical(item.Kind)),
	)
}

// SendGuaranteed persists env to the outbox and returns; the frame is
// pumped to the peer whenever it is reachable until the link accepts it.
func (t *Transport) SendGuaranteed(ctx context.Context, env wire.Envelope) error {
	if t.outbox == nil {
		_, err := t.Send(ctx, env)
		return err
	}

	frame, err := wire.Marshal(env)
	if err != nil {
		return err
	}

	if err := t.outbox.Post(ctx, env.ID, env.Kind, frame); err != nil {
		return err
	}

	t.logger.Debug("message posted to outbox",
		slog.String("kind", string(env.Kind)),
		slog.String("id", env.ID),
	)

	t.wake()

	return nil
}

// Flush sends queued frames in enqueue order and then drains the outbox.
// It stops at the first failure; unsent frames keep their position.
func (t *Transport) Flush(ctx context.Context) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if !t.link.Reachable() {
		return ErrUnreachable
	}

	if err := t.flushQueueLocked(ctx); err != nil {
		return err
	}

	if t.outbox == nil {
		return nil
	}

	sent, err := t.outbox.Drain(ctx, func(ctx context.Context, kind wire.Kind, frame []byte) error {
		if err := t.link.Send(ctx, frame); err != nil {
			return err
		}

		t.metrics.MessagesSent.WithLabelValues(string(kind), "outbox").Inc()

		return nil
	})

	if n, lerr := t.outbox.Len(context.WithoutCancel(ctx)); lerr == nil {
		t.metrics.OutboxDepth.Set(float64(n))
	}

	if sent > 0 {
		t.logger.Info("outbox drained", slog.Int("count", sent))
	}

	return err
}

// Run drives the transport until ctx is done: it flushes on every
// transition to reachable, on guaranteed posts and on the outbox retry
// interval, and decodes inbound frames. Inbound is closed when Run returns.
func (t *Transport) Run(ctx context.Context) error {
	defer close(t.inbound)

	ticker := time.NewTicker(t.cfg.OutboxRetryInterval)
	defer ticker.Stop()

	reach := t.link.Reachability()
	frames := t.link.Frames()

	// Catch up on anything left from a previous run.
	t.tryFlush(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return nil

		case up, ok := <-reach:
			if !ok {
				reach = nil
				continue
			}

			t.logger.Info("peer reachability changed", slog.Bool("reachable", up))

			if up {
				t.tryFlush(ctx, "reachable")
			}

		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}

			t.receive(ctx, frame)

		case <-t.kick:
			t.tryFlush(ctx, "wake")

		case <-ticker.C:
			t.dedup.Purge()
			t.tryFlush(ctx, "retry")
		}
	}
}

func (t *Transport) tryFlush(ctx context.Context, reason string) {
	if !t.link.Reachable() {
		return
	}

	if err := t.Flush(ctx); err != nil && ctx.Err() == nil {
		t.logger.Debug("flush incomplete",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// receive decodes a frame, drops it if malformed or already seen, and
// otherwise hands it to Inbound.
func (t *Transport) receive(ctx context.Context, frame []byte) {
	env, err := wire.Unmarshal(frame)
	if err != nil {
		t.metrics.MessagesDropped.WithLabelValues("unknown", "decode").Inc()
		t.logger.Warn("dropping malformed frame",
			slog.Int("bytes", len(frame)),
			slog.String("error", err.Error()),
		)

		return
	}

	msg, err := env.Decode()
	if err != nil {
		t.metrics.MessagesDropped.WithLabelValues(string(env.Kind), "decode").Inc()
		t.logger.Warn("dropping undecodable message",
			slog.String("kind", string(env.Kind)),
			slog.String("id", env.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := t.dedup.Check(env); err != nil {
		t.metrics.MessagesDropped.WithLabelValues(string(env.Kind), "duplicate").Inc()
		t.logger.Debug("dropping duplicate delivery",
			slog.String("kind", string(env.Kind)),
			slog.String("id", env.ID),
		)

		return
	}

	select {
	case t.inbound <- Delivery{Envelope: env, Message: msg}:
	case <-ctx.Done():
	}
}
