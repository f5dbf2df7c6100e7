package store

import (
	"context"
	"database/sql"
	"time"
)

// ListDeadLetter returns archived failed messages, newest first.
func (s *Store) ListDeadLetter(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, type, sender, recipient, channel, payload, error, delivery_count, archived_at
FROM dead_letter ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		var recipient, errStr sql.NullString
		var payload string
		var archivedAt int64
		if err := rows.Scan(&e.MessageID, &e.Type, &e.Sender, &recipient, &e.Channel, &payload, &errStr, &e.DeliveryCount, &archivedAt); err != nil {
			return nil, err
		}
		e.Recipient = nullableString(recipient)
		e.Error = nullableString(errStr)
		e.Payload = []byte(payload)
		e.ArchivedAt = time.UnixMilli(archivedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
