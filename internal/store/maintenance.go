package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// Sweep runs one maintenance pass: expired messages are deleted along
// with their broadcast_deliveries rows, failed direct messages that have
// exhausted delivery_count are dead-lettered as a backstop for callers that
// never invoke CompleteMessage, and a WAL checkpoint is requested. Sweep is
// driven by the maintenance scheduler, never by request-path code:
// nothing here runs inside a caller's transaction.
func (s *Store) Sweep(ctx context.Context, actor string) (SweepResult, error) {
	var result SweepResult
	now := time.Now().UTC()

	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		expiredIDs, err := expiredMessageIDs(ctx, conn, now)
		if err != nil {
			return err
		}
		for _, id := range expiredIDs {
			if _, err := conn.ExecContext(ctx, `DELETE FROM broadcast_deliveries WHERE message_id = ?`, id); err != nil {
				return err
			}
			if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, id); err != nil {
				return err
			}
		}
		result.ExpiredMessages = len(expiredIDs)

		backstopped, err := deadletterBackstop(ctx, conn, now)
		if err != nil {
			return err
		}
		result.DeadLettered = backstopped

		if result.ExpiredMessages > 0 || result.DeadLettered > 0 {
			return insertAudit(ctx, conn, now, actor, "maintenance.sweep", sweepSummary(result))
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE);"); err != nil {
		return result, err
	}
	result.CheckpointRan = true
	return result, nil
}

func expiredMessageIDs(ctx context.Context, conn *sql.Conn, now time.Time) ([]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT message_id FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deadletterBackstop archives direct messages stuck in 'failed' with
// delivery_count >= 3 whose owner never called CompleteMessage again to
// trigger the inline dead-letter path in messages.go.
func deadletterBackstop(ctx context.Context, conn *sql.Conn, now time.Time) (int, error) {
	rows, err := conn.QueryContext(ctx, `
SELECT message_id, type, sender, recipient, channel, payload, error, delivery_count
FROM messages WHERE status = 'failed' AND recipient IS NOT NULL AND delivery_count >= 3`)
	if err != nil {
		return 0, err
	}
	type pending struct {
		id, msgType, sender, channel string
		recipient, errMsg            sql.NullString
		payload                      []byte
		deliveryCount                int
	}
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.msgType, &p.sender, &p.recipient, &p.channel, &p.payload, &p.errMsg, &p.deliveryCount); err != nil {
			_ = rows.Close()
			return 0, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	_ = rows.Close()

	for _, p := range items {
		if _, err := conn.ExecContext(ctx, `
INSERT INTO dead_letter(message_id, type, sender, recipient, channel, payload, error, delivery_count, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.id, p.msgType, p.sender, p.recipient, p.channel, p.payload, p.errMsg, p.deliveryCount, now.UnixMilli()); err != nil {
			return 0, err
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, p.id); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

func sweepSummary(r SweepResult) string {
	return "expired=" + strconv.Itoa(r.ExpiredMessages) + " dead_lettered=" + strconv.Itoa(r.DeadLettered)
}
