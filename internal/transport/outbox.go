package transport

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/pacepair/internal/wire"
)

const (
	sqlOutboxInsert = `INSERT INTO outbox (id, kind, frame, attempts, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING`

	sqlOutboxPending = `SELECT seq, id, kind, frame FROM outbox ORDER BY seq LIMIT ?`

	sqlOutboxDelete = `DELETE FROM outbox WHERE seq = ?`

	sqlOutboxFailed = `UPDATE outbox SET attempts = attempts + 1 WHERE seq = ?`

	sqlOutboxCount = `SELECT COUNT(*) FROM outbox`

	outboxBatch = 32
)

// Outbox is the store-and-forward half of the transport. Frames are
// persisted before Post returns and removed only after the link accepted
// them, so they survive the process going away.
type Outbox struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewOutbox wraps an open database (see store.Open).
func NewOutbox(db *sql.DB, logger *slog.Logger) *Outbox {
	return &Outbox{db: db, logger: logger, nowFunc: time.Now}
}

// Post persists a frame. Posting the same id twice keeps the first copy.
func (o *Outbox) Post(ctx context.Context, id string, kind wire.Kind, frame []byte) error {
	_, err := o.db.ExecContext(ctx, sqlOutboxInsert, id, string(kind), frame, o.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("transport: posting %s to outbox: %w", kind, err)
	}

	return nil
}

type outboxRow struct {
	seq   int64
	id    string
	kind  wire.Kind
	frame []byte
}

// Drain sends pending frames oldest first and deletes each one the send
// func accepts. It stops at the first failed send, leaving that frame and
// everything after it for the next drain.
func (o *Outbox) Drain(ctx context.Context, send func(ctx context.Context, kind wire.Kind, frame []byte) error) (int, error) {
	sent := 0

	for {
		rows, err := o.pending(ctx)
		if err != nil {
			return sent, err
		}

		if len(rows) == 0 {
			return sent, nil
		}

		for _, r := range rows {
			if err := send(ctx, r.kind, r.frame); err != nil {
				if _, uerr := o.db.ExecContext(context.WithoutCancel(ctx), sqlOutboxFailed, r.seq); uerr != nil {
					o.logger.Warn("failed to record outbox attempt",
						slog.String("id", r.id),
						slog.String("error", uerr.Error()),
					)
				}

				return sent, fmt.Errorf("%w: outbox %s %s: %w", ErrSendFailed, r.kind, r.id, err)
			}

			if _, err := o.db.ExecContext(context.WithoutCancel(ctx), sqlOutboxDelete, r.seq); err != nil {
				// Delivered but not deleted: the peer will see it again and
				// drop it by id.
				return sent, fmt.Errorf("transport: deleting outbox row %s: %w", r.id, err)
			}

			sent++
		}
	}
}

func (o *Outbox) pending(ctx context.Context) ([]outboxRow, error) {
	rows, err := o.db.QueryContext(ctx, sqlOutboxPending, outboxBatch)
	if err != nil {
		return nil, fmt.Errorf("transport: reading outbox: %w", err)
	}
	defer rows.Close()

	var out []outboxRow

	for rows.Next() {
		var (
			r    outboxRow
			kind string
		)

		if err := rows.Scan(&r.seq, &r.id, &kind, &r.frame); err != nil {
			return nil, fmt.Errorf("transport: scanning outbox row: %w", err)
		}

		r.kind = wire.Kind(kind)
		out = append(out, r)
	}

	return out, rows.Err()
}

// Len returns the number of frames awaiting delivery.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, sqlOutboxCount).Scan(&n); err != nil {
		return 0, fmt.Errorf("transport: counting outbox: %w", err)
	}

	return n, nil
}
