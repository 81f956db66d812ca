package wire

import (
	"math"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, env Envelope) Message {
	t.Helper()

	frame, err := Marshal(env)
	require.NoError(t, err)

	got, err := Unmarshal(frame)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	msg, err := got.Decode()
	require.NoError(t, err)

	return msg
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	received := int64(1_700_000_000_900)
	want := &Snapshot{
		UserID:             "u-1",
		DistanceM:          1523.7,
		DurationS:          412.25,
		PaceSecPerKm:       Float(301.5),
		HeartRateBpm:       Int(151),
		Lat:                Float(60.1699),
		Lon:                Float(24.9384),
		Seq:                42,
		ClientRecordedAtMs: 1_700_000_000_123,
		ServerReceivedAtMs: &received,
		IsPaused:           true,
	}

	env, err := New("s-1", want, time.UnixMilli(1_700_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, KindSnapshot, env.Kind)
	assert.Equal(t, Version, env.V)
	assert.NotEmpty(t, env.ID)

	got := roundTrip(t, env)
	assert.Equal(t, want, got)
}

func TestSnapshot_RoundTripOptionalFieldsAbsent(t *testing.T) {
	t.Parallel()

	want := &Snapshot{UserID: "u-2", DistanceM: 0, Seq: 1, ClientRecordedAtMs: 5}

	env, err := New("s-1", want, time.Now())
	require.NoError(t, err)

	got := roundTrip(t, env).(*Snapshot)
	assert.Equal(t, want, got)
	assert.Zero(t, got.Pace())
}

func TestLifecycleMessages_RoundTrip(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		&SessionOffer{SessionID: "s", FromID: "a", FromName: "Ann"},
		&PeerConfirmed{SessionID: "s", UserID: "b", StartAtMs: 10_000},
		&SessionEnded{SessionID: "s", UserID: "a", Reason: ReasonEnded, Final: &Snapshot{UserID: "a", Seq: 3}},
		&Pause{SessionID: "s", UserID: "a", AtMs: 1},
		&Resume{SessionID: "s", UserID: "a", AtMs: 2},
		&Heartbeat{SessionID: "s", UserID: "a", SentAtMs: 3},
		&PartnerFinished{SessionID: "s", UserID: "a", Final: Snapshot{UserID: "a", Seq: 9}},
	}

	for _, m := range msgs {
		env, err := New("s", m, time.Now())
		require.NoError(t, err)
		assert.Equal(t, m, roundTrip(t, env), "kind %s", m.Kind())
	}
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestUnmarshal_RejectsNewerVersion(t *testing.T) {
	t.Parallel()

	frame, err := Marshal(Envelope{V: Version + 1, ID: "x", Kind: KindHeartbeat})
	require.NoError(t, err)

	_, err = Unmarshal(frame)
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestUnmarshal_RejectsMissingID(t *testing.T) {
	t.Parallel()

	frame, err := Marshal(Envelope{V: Version, Kind: KindHeartbeat})
	require.NoError(t, err)

	_, err = Unmarshal(frame)
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestDecode_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Envelope{V: Version, ID: "x", Kind: "teleport"}.Decode()
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestDecode_InvalidSnapshot(t *testing.T) {
	t.Parallel()

	payload, err := cbor.Marshal(&Snapshot{UserID: "u", Seq: 0})
	require.NoError(t, err)

	_, err = Envelope{V: Version, ID: "x", Kind: KindSnapshot, Payload: payload}.Decode()
	assert.ErrorIs(t, err, ErrDecodeFailed)

	payload, err = cbor.Marshal(&Snapshot{UserID: "u", Seq: 1, DistanceM: -3})
	require.NoError(t, err)

	_, err = Envelope{V: Version, ID: "x", Kind: KindSnapshot, Payload: payload}.Decode()
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestDecode_InvalidPace(t *testing.T) {
	t.Parallel()

	for _, pace := range []float64{1e-6, 59.9, -1, math.Inf(1)} {
		payload, err := cbor.Marshal(&Snapshot{UserID: "u", Seq: 1, PaceSecPerKm: Float(pace)})
		require.NoError(t, err)

		_, err = Envelope{V: Version, ID: "x", Kind: KindSnapshot, Payload: payload}.Decode()
		assert.ErrorIs(t, err, ErrDecodeFailed, "pace %g", pace)
	}

	// Standing still and the fastest plausible pace are both fine.
	for _, pace := range []float64{0, MinPaceSecPerKm} {
		payload, err := cbor.Marshal(&Snapshot{UserID: "u", Seq: 1, PaceSecPerKm: Float(pace)})
		require.NoError(t, err)

		_, err = Envelope{V: Version, ID: "x", Kind: KindSnapshot, Payload: payload}.Decode()
		assert.NoError(t, err, "pace %g", pace)
	}
}

func TestDecode_InvalidFinalSnapshot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
	}{
		{"finished NaN distance", &PartnerFinished{
			SessionID: "s", UserID: "a", Final: Snapshot{UserID: "a", Seq: 2, DistanceM: math.NaN()},
		}},
		{"finished zero value", &PartnerFinished{SessionID: "s", UserID: "a"}},
		{"finished other sender", &PartnerFinished{
			SessionID: "s", UserID: "a", Final: Snapshot{UserID: "m", Seq: 2},
		}},
		{"ended without seq", &SessionEnded{
			SessionID: "s", UserID: "a", Reason: ReasonEnded, Final: &Snapshot{UserID: "a"},
		}},
		{"ended other sender", &SessionEnded{
			SessionID: "s", UserID: "a", Reason: ReasonEnded, Final: &Snapshot{UserID: "m", Seq: 4},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env, err := New("s", tt.msg, time.Now())
			require.NoError(t, err)

			frame, err := Marshal(env)
			require.NoError(t, err)

			got, err := Unmarshal(frame)
			require.NoError(t, err)

			_, err = got.Decode()
			assert.ErrorIs(t, err, ErrDecodeFailed)
		})
	}
}

func TestDecode_SessionEndedWithoutFinal(t *testing.T) {
	t.Parallel()

	env, err := New("s", &SessionEnded{SessionID: "s", UserID: "a", Reason: ReasonDeclined}, time.Now())
	require.NoError(t, err)

	msg := roundTrip(t, env).(*SessionEnded)
	assert.Nil(t, msg.Final)
}

func TestDecode_ConfirmWithoutStart(t *testing.T) {
	t.Parallel()

	env, err := New("s", &PeerConfirmed{SessionID: "s", UserID: "b"}, time.Now())
	require.NoError(t, err)

	_, err = env.Decode()
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestIsCritical(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{KindSessionEnded, KindPause, KindResume, KindPeerConfirmed} {
		assert.True(t, IsCritical(k), k)
	}

	for _, k := range []Kind{KindSnapshot, KindHeartbeat, KindSessionOffer, KindPartnerFinished} {
		assert.False(t, IsCritical(k), k)
	}
}
