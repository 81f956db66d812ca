package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/pacepair/internal/metrics"
	"github.com/tonimelisma/pacepair/internal/wire"
	"github.com/tonimelisma/pacepair/testutil"
)

func runTransport(t *testing.T, tr *Transport) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSend_ReachableSendsDirectly(t *testing.T) {
	t.Parallel()

	link := newMemLink(true)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))

	out, err := tr.Send(context.Background(), snapshotEnv(t, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, 1, link.sentCount())
	assert.Equal(t, 0, tr.QueueLen())
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	link := newMemLink(true)
	link.failSends(2)

	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))

	out, err := tr.Send(context.Background(), snapshotEnv(t, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, 3, link.attempts)
}

func TestSend_ExhaustedRetriesQueue(t *testing.T) {
	t.Parallel()

	link := newMemLink(true)
	link.failSends(10)

	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))

	out, err := tr.Send(context.Background(), snapshotEnv(t, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	assert.Equal(t, 3, link.attempts, "bounded by MaxAttempts")
	assert.Equal(t, 1, tr.QueueLen())
}

func TestSend_UnreachableQueuesWithoutAttempt(t *testing.T) {
	t.Parallel()

	link := newMemLink(false)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))

	out, err := tr.Send(context.Background(), snapshotEnv(t, 1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	assert.Equal(t, 0, link.attempts)
}

func TestSend_UnreachableBurstDrainsInOrderOnce(t *testing.T) {
	t.Parallel()

	link := newMemLink(false)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	runTransport(t, tr)

	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		out, err := tr.Send(ctx, snapshotEnv(t, seq))
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, out)
	}

	link.setReachable(true)

	require.Eventually(t, func() bool { return link.sentCount() == 5 }, 5*time.Second, 5*time.Millisecond)

	// Let a few retry ticks pass; nothing is sent twice.
	time.Sleep(100 * time.Millisecond)

	envs := link.sentEnvelopes(t)
	require.Len(t, envs, 5)

	for i, env := range envs {
		msg, err := env.Decode()
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), msg.(*wire.Snapshot).Seq)
	}

	assert.Equal(t, 0, tr.QueueLen())
}

func TestSend_QueuedFramesGoFirst(t *testing.T) {
	t.Parallel()

	link := newMemLink(false)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	ctx := context.Background()

	_, err := tr.Send(ctx, snapshotEnv(t, 1))
	require.NoError(t, err)

	link.mu.Lock()
	link.up = true
	link.mu.Unlock()

	// Reachable again but not yet flushed: the backlog drains ahead of the
	// new frame.
	out, err := tr.Send(ctx, snapshotEnv(t, 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, 0, tr.QueueLen())

	assertSeqs(t, link, 1, 2)
}

func TestSend_RecoversRightAfterGlitch(t *testing.T) {
	t.Parallel()

	link := newMemLink(true)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	ctx := context.Background()

	link.failSends(3)

	out, err := tr.Send(ctx, snapshotEnv(t, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, out)

	// The link is healthy again; no retry tick or reachability change is
	// needed for the next sends to go out.
	for seq := uint64(2); seq <= 6; seq++ {
		out, err := tr.Send(ctx, snapshotEnv(t, seq))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, out, "seq %d", seq)
	}

	assert.Equal(t, 0, tr.QueueLen())
	assertSeqs(t, link, 1, 2, 3, 4, 5, 6)
}

func TestSend_FailedBacklogKeepsNewFrameBehind(t *testing.T) {
	t.Parallel()

	link := newMemLink(false)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	ctx := context.Background()

	_, err := tr.Send(ctx, snapshotEnv(t, 1))
	require.NoError(t, err)

	link.mu.Lock()
	link.up = true
	link.failNext = 1
	link.mu.Unlock()

	out, err := tr.Send(ctx, snapshotEnv(t, 2))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	assert.Equal(t, 2, tr.QueueLen())

	require.NoError(t, tr.Flush(ctx))
	assertSeqs(t, link, 1, 2)
}

func TestSend_ExhaustedRetriesWakeRunLoop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OutboxRetryInterval = time.Hour

	link := newMemLink(true)
	tr := New(link, nil, cfg, metrics.New(nil), testutil.Logger(t))
	runTransport(t, tr)

	link.failSends(3)

	out, err := tr.Send(context.Background(), snapshotEnv(t, 1))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, out)

	require.Eventually(t, func() bool { return link.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.QueueLen())
}

func TestFlush_FailureKeepsRemainder(t *testing.T) {
	t.Parallel()

	link := newMemLink(false)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := tr.Send(ctx, snapshotEnv(t, seq))
		require.NoError(t, err)
	}

	link.mu.Lock()
	link.up = true
	link.mu.Unlock()

	link.failSends(1)
	require.ErrorIs(t, tr.Flush(ctx), ErrSendFailed)
	assert.Equal(t, 3, tr.QueueLen())

	require.NoError(t, tr.Flush(ctx))
	assert.Equal(t, 0, tr.QueueLen())
	assert.Equal(t, 3, link.sentCount())
}

func TestSendGuaranteed_DeliveredWhenReachable(t *testing.T) {
	t.Parallel()

	db := newTestDB(t, "")
	outbox := NewOutbox(db, testutil.Logger(t))
	link := newMemLink(false)
	tr := New(link, outbox, testConfig(), metrics.New(nil), testutil.Logger(t))
	runTransport(t, tr)

	ctx := context.Background()
	env := lifecycleEnv(t, &wire.SessionEnded{SessionID: "sess-1", UserID: "alice", Reason: wire.ReasonEnded})

	require.NoError(t, tr.SendGuaranteed(ctx, env))

	n, err := outbox.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	link.setReachable(true)

	require.Eventually(t, func() bool { return link.sentCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := outbox.Len(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, env.ID, link.sentEnvelopes(t)[0].ID)
}

func TestReceive_DualPathDeliveredOnce(t *testing.T) {
	t.Parallel()

	link := newMemLink(true)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	runTransport(t, tr)

	ended := lifecycleEnv(t, &wire.SessionEnded{SessionID: "sess-1", UserID: "bob", Reason: wire.ReasonEnded})
	frame := frameOf(t, ended)

	link.frames <- frame
	link.frames <- frame

	next := lifecycleEnv(t, &wire.Heartbeat{SessionID: "sess-1", UserID: "bob", SentAtMs: testStart.UnixMilli()})
	link.frames <- frameOf(t, next)

	got := receiveN(t, tr, 2)
	assert.Equal(t, ended.ID, got[0].Envelope.ID)
	assert.Equal(t, next.ID, got[1].Envelope.ID)
}

func TestReceive_OfferDedupedBySession(t *testing.T) {
	t.Parallel()

	link := newMemLink(true)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	runTransport(t, tr)

	offer := &wire.SessionOffer{SessionID: "sess-1", FromID: "bob", FromName: "Bob"}
	link.frames <- frameOf(t, lifecycleEnv(t, offer))
	link.frames <- frameOf(t, lifecycleEnv(t, offer)) // new envelope id, same session

	hb := lifecycleEnv(t, &wire.Heartbeat{SessionID: "sess-1", UserID: "bob", SentAtMs: 1})
	link.frames <- frameOf(t, hb)

	got := receiveN(t, tr, 2)
	assert.Equal(t, wire.KindSessionOffer, got[0].Envelope.Kind)
	assert.Equal(t, wire.KindHeartbeat, got[1].Envelope.Kind)
}

func TestReceive_MalformedFrameDropped(t *testing.T) {
	t.Parallel()

	link := newMemLink(true)
	tr := New(link, nil, testConfig(), metrics.New(nil), testutil.Logger(t))
	runTransport(t, tr)

	link.frames <- []byte("definitely not cbor")

	bad := snapshotEnv(t, 1)
	bad.Payload = []byte{0xff}
	link.frames <- frameOf(t, bad)

	good := snapshotEnv(t, 2)
	link.frames <- frameOf(t, good)

	got := receiveN(t, tr, 1)
	assert.Equal(t, good.ID, got[0].Envelope.ID)

	snap, ok := got[0].Message.(*wire.Snapshot)
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.Seq)
}

// receiveN reads n deliveries and then checks nothing else arrives.
func receiveN(t *testing.T, tr *Transport, n int) []Delivery {
	t.Helper()

	var out []Delivery

	for len(out) < n {
		select {
		case d := <-tr.Inbound():
			out = append(out, d)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d deliveries", len(out), n)
		}
	}

	select {
	case d := <-tr.Inbound():
		t.Fatalf("unexpected extra delivery %s", d.Envelope.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	return out
}
