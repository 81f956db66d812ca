package transport

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tonimelisma/pacepair/internal/wire"
)

// Dedup remembers recently delivered envelopes so a message arriving over
// both delivery paths is handled once. Envelope ids cover the dual-path
// case; offers and confirmations are additionally keyed by session id since
// a peer may re-issue them under a new envelope id.
type Dedup struct {
	seen *ttlcache.Cache[string, struct{}]
}

// NewDedup creates a dedup window of ttl holding at most capacity keys.
func NewDedup(ttl time.Duration, capacity uint64) *Dedup {
	return &Dedup{
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithCapacity[string, struct{}](capacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Check records env and returns ErrDuplicate if it was already seen.
func (d *Dedup) Check(env wire.Envelope) error {
	keys := []string{"id:" + env.ID}

	if env.SessionID != "" && (env.Kind == wire.KindSessionOffer || env.Kind == wire.KindPeerConfirmed) {
		keys = append(keys, string(env.Kind)+":"+env.SessionID)
	}

	dup := false

	for _, k := range keys {
		if d.seen.Has(k) {
			dup = true
		}
	}

	for _, k := range keys {
		d.seen.Set(k, struct{}{}, ttlcache.DefaultTTL)
	}

	if dup {
		return ErrDuplicate
	}

	return nil
}

// Purge removes expired keys. The transport calls it on its retry tick.
func (d *Dedup) Purge() {
	d.seen.DeleteExpired()
}
