package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubmitInput carries everything needed to insert one message row (and, for
// broadcasts, its fan-out delivery rows) plus its audit record, atomically.
type SubmitInput struct {
	MessageID       string
	Type            string
	ProtocolVersion string
	CreatedAt       time.Time
	CorrelationID   *string
	Sender          string
	Recipient       *string
	Channel         string
	Priority        int
	Payload         []byte
	ExpiresAt       *time.Time
	Actor           string
	AuditSummary    string
}

// SubmitMessage inserts a pending message row. For a broadcast (Recipient
// == nil) it additionally inserts one broadcast_deliveries row per current
// subscriber of Channel, snapshotted at submission time: subscribers who
// join later get no row and never see this message. The audit record is
// written in the same transaction.
func (s *Store) SubmitMessage(ctx context.Context, in SubmitInput) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
INSERT INTO messages(message_id, type, protocol_version, created_at, correlation_id, sender, recipient, channel, priority, payload, status, expires_at, delivery_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, 0)`,
			in.MessageID, in.Type, in.ProtocolVersion, in.CreatedAt.UnixMilli(), in.CorrelationID,
			in.Sender, in.Recipient, in.Channel, in.Priority, in.Payload, unixMilliPtr(in.ExpiresAt))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed: messages.correlation_id") {
				return ErrDuplicateResponse
			}
			return err
		}

		if in.Recipient == nil {
			var rows *sql.Rows
			var err error
			if in.Channel == "general" {
				// general is an implicit subscription for every agent with
				// an agent_status row; it has no explicit rows.
				rows, err = conn.QueryContext(ctx, `SELECT agent_id FROM agent_status`)
			} else {
				rows, err = conn.QueryContext(ctx, `SELECT agent FROM channel_subscriptions WHERE channel = ?`, in.Channel)
			}
			if err != nil {
				return err
			}
			var subscribers []string
			for rows.Next() {
				var agent string
				if err := rows.Scan(&agent); err != nil {
					_ = rows.Close()
					return err
				}
				subscribers = append(subscribers, agent)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			_ = rows.Close()

			for _, agent := range subscribers {
				if _, err := conn.ExecContext(ctx, `
INSERT INTO broadcast_deliveries(message_id, recipient, status, updated_at) VALUES (?, ?, 'delivered', ?)`,
					in.MessageID, agent, in.CreatedAt.UnixMilli()); err != nil {
					return err
				}
			}
		}

		return insertAudit(ctx, conn, in.CreatedAt, in.Actor, "message.submit", in.AuditSummary)
	})
}

// GetMessage fetches one message by ID. Returns ErrNotFound if absent.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT message_id, type, protocol_version, created_at, correlation_id, sender, recipient, channel, priority, payload, status, expires_at, delivery_count, last_delivered_at, error, artifact_path
FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PeekMessages returns pending messages visible to agent across channels,
// ordered by (priority DESC, created_at ASC). A message is visible if it is
// addressed directly to agent, or is a broadcast for which agent still has
// a 'delivered' broadcast_deliveries row. Read-only: no state changes.
func (s *Store) PeekMessages(ctx context.Context, agent string, channels []string, limit int) ([]Message, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(channels))
	args := make([]any, 0, len(channels)+3)
	for i, c := range channels {
		placeholders[i] = "?"
		args = append(args, c)
	}
	query := fmt.Sprintf(`
SELECT m.message_id, m.type, m.protocol_version, m.created_at, m.correlation_id, m.sender, m.recipient, m.channel, m.priority, m.payload, m.status, m.expires_at, m.delivery_count, m.last_delivered_at, m.error, m.artifact_path
FROM messages m
WHERE m.status = 'pending' AND m.channel IN (%s)
AND (
  m.recipient = ?
  OR (m.recipient IS NULL AND EXISTS (
        SELECT 1 FROM broadcast_deliveries d
        WHERE d.message_id = m.message_id AND d.recipient = ? AND d.status = 'delivered'
      ))
)
ORDER BY m.priority DESC, m.created_at ASC
LIMIT ?`, joinPlaceholders(placeholders))
	args = append(args, agent, agent, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ClaimMessage atomically transitions message_id from pending to processing
// on agent's behalf, for direct messages; for a broadcast it instead marks
// only agent's own delivery row acknowledged, leaving the message visible
// to other subscribers. Returns (claimed, isBroadcast, error). This is the
// exactly-once-delivery pivot: among N concurrent callers exactly one sees
// claimed=true for a direct message.
func (s *Store) ClaimMessage(ctx context.Context, actor, agent, messageID string) (bool, bool, error) {
	var claimed, isBroadcast bool
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var recipient sql.NullString
		var status string
		row := conn.QueryRowContext(ctx, `SELECT recipient, status FROM messages WHERE message_id = ?`, messageID)
		if err := row.Scan(&recipient, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		now := time.Now().UTC()
		isBroadcast = !recipient.Valid

		if isBroadcast {
			res, err := conn.ExecContext(ctx, `
UPDATE broadcast_deliveries SET status='acknowledged', updated_at=? WHERE message_id=? AND recipient=? AND status='delivered'`,
				now.UnixMilli(), messageID, agent)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			claimed = n == 1
		} else {
			res, err := conn.ExecContext(ctx, `
UPDATE messages SET status='processing', delivery_count=delivery_count+1, last_delivered_at=? WHERE message_id=? AND status='pending'`,
				now.UnixMilli(), messageID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			claimed = n == 1
		}

		if claimed {
			if err := bumpAgentPending(ctx, conn, agent, now, +1); err != nil {
				return err
			}
			return insertAudit(ctx, conn, now, actor, "message.claim", fmt.Sprintf("agent=%s message=%s broadcast=%v", agent, messageID, isBroadcast))
		}
		return nil
	})
	return claimed, isBroadcast, err
}

// CompleteMessage finalizes a direct message as done (errMsg == nil) or
// failed (errMsg != nil). A failed direct message whose delivery_count has
// reached 3 is moved to dead_letter, envelope included, and removed from
// messages. Broadcasts never transition their message row here; their rows
// live until TTL.
func (s *Store) CompleteMessage(ctx context.Context, actor, messageID string, errMsg *string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var recipient sql.NullString
		var sender, msgType, channel string
		var payload []byte
		var deliveryCount int
		row := conn.QueryRowContext(ctx, `SELECT recipient, sender, type, channel, payload, delivery_count FROM messages WHERE message_id = ?`, messageID)
		if err := row.Scan(&recipient, &sender, &msgType, &channel, &payload, &deliveryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		now := time.Now().UTC()

		if !recipient.Valid {
			// Broadcasts: per-recipient completion does not transition the
			// message row; there is nothing further to persist here.
			return insertAudit(ctx, conn, now, actor, "message.complete", fmt.Sprintf("message=%s broadcast=true", messageID))
		}

		if errMsg != nil && deliveryCount >= 3 {
			if _, err := conn.ExecContext(ctx, `
INSERT INTO dead_letter(message_id, type, sender, recipient, channel, payload, error, delivery_count, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				messageID, msgType, sender, nullableString(recipient), channel, payload, *errMsg, deliveryCount, now.UnixMilli()); err != nil {
				return err
			}
			if _, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID); err != nil {
				return err
			}
			if err := bumpAgentError(ctx, conn, recipient.String, now); err != nil {
				return err
			}
			return insertAudit(ctx, conn, now, actor, "message.deadletter", fmt.Sprintf("message=%s", messageID))
		}

		status := "done"
		if errMsg != nil {
			status = "failed"
		}
		if _, err := conn.ExecContext(ctx, `UPDATE messages SET status=?, error=? WHERE message_id=?`, status, errMsg, messageID); err != nil {
			return err
		}
		if err := bumpAgentProcessed(ctx, conn, recipient.String, now, errMsg != nil); err != nil {
			return err
		}
		return insertAudit(ctx, conn, now, actor, "message.complete", fmt.Sprintf("message=%s status=%s", messageID, status))
	})
}

// BroadcastStatus tallies delivery rows for one broadcast message by state.
func (s *Store) BroadcastStatus(ctx context.Context, messageID string) (BroadcastCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM broadcast_deliveries WHERE message_id = ? GROUP BY status`, messageID)
	if err != nil {
		return BroadcastCounts{}, err
	}
	defer func() { _ = rows.Close() }()

	var c BroadcastCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return BroadcastCounts{}, err
		}
		switch status {
		case "delivered":
			c.Delivered = n
		case "acknowledged":
			c.Acknowledged = n
		case "skipped":
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

func scanMessage(sc interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var correlationID, recipient, lastError, artifactPath sql.NullString
	var expiresAt, lastDeliveredAt sql.NullInt64
	var createdAt int64
	if err := sc.Scan(&m.MessageID, &m.Type, &m.ProtocolVersion, &createdAt, &correlationID, &m.Sender, &recipient, &m.Channel, &m.Priority, &m.Payload, &m.Status, &expiresAt, &m.DeliveryCount, &lastDeliveredAt, &lastError, &artifactPath); err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.CorrelationID = nullableString(correlationID)
	m.Recipient = nullableString(recipient)
	m.Error = nullableString(lastError)
	m.ArtifactPath = nullableString(artifactPath)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		m.ExpiresAt = &t
	}
	if lastDeliveredAt.Valid {
		t := time.UnixMilli(lastDeliveredAt.Int64).UTC()
		m.LastDeliveredAt = &t
	}
	return &m, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func unixMilliPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func joinPlaceholders(p []string) string {
	out := ""
	for i, s := range p {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
