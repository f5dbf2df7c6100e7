package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Heartbeat upserts an agent's status row. Idempotent: repeated calls leave
// the registry observable only via the last timestamp written.
func (s *Store) Heartbeat(ctx context.Context, actor, agent, status string, currentTask *string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := time.Now().UTC()
		_, err := conn.ExecContext(ctx, `
INSERT INTO agent_status(agent_id, status, current_task, last_heartbeat, messages_pending, messages_processed, error_count)
VALUES (?, ?, ?, ?, 0, 0, 0)
ON CONFLICT(agent_id) DO UPDATE SET status=excluded.status, current_task=excluded.current_task, last_heartbeat=excluded.last_heartbeat`,
			agent, status, currentTask, now.UnixMilli())
		if err != nil {
			return err
		}
		return insertAudit(ctx, conn, now, actor, "agent.heartbeat", agent)
	})
}

// GetAgentStatus returns an agent's persisted status row. Returns
// ErrNotFound if the agent has no row: it has never heartbeated and no
// message claim or completion has been counted against it.
func (s *Store) GetAgentStatus(ctx context.Context, agent string) (*AgentStatus, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT agent_id, status, current_task, last_heartbeat, messages_pending, messages_processed, error_count
FROM agent_status WHERE agent_id = ?`, agent)
	var a AgentStatus
	var currentTask sql.NullString
	var lastHeartbeat int64
	if err := row.Scan(&a.AgentID, &a.Status, &currentTask, &lastHeartbeat, &a.MessagesPending, &a.MessagesProcessed, &a.ErrorCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CurrentTask = nullableString(currentTask)
	a.LastHeartbeat = time.UnixMilli(lastHeartbeat).UTC()
	return &a, nil
}

func bumpAgentPending(ctx context.Context, conn *sql.Conn, agent string, at time.Time, delta int) error {
	_, err := conn.ExecContext(ctx, `
INSERT INTO agent_status(agent_id, status, last_heartbeat, messages_pending, messages_processed, error_count)
VALUES (?, 'active', ?, ?, 0, 0)
ON CONFLICT(agent_id) DO UPDATE SET messages_pending = MAX(0, messages_pending + ?)`,
		agent, at.UnixMilli(), delta, delta)
	return err
}

func bumpAgentProcessed(ctx context.Context, conn *sql.Conn, agent string, at time.Time, failed bool) error {
	errDelta := 0
	if failed {
		errDelta = 1
	}
	_, err := conn.ExecContext(ctx, `
INSERT INTO agent_status(agent_id, status, last_heartbeat, messages_pending, messages_processed, error_count)
VALUES (?, 'active', ?, 0, 1, ?)
ON CONFLICT(agent_id) DO UPDATE SET
  messages_pending = MAX(0, messages_pending - 1),
  messages_processed = messages_processed + 1,
  error_count = error_count + ?`,
		agent, at.UnixMilli(), errDelta, errDelta)
	return err
}

func bumpAgentError(ctx context.Context, conn *sql.Conn, agent string, at time.Time) error {
	_, err := conn.ExecContext(ctx, `
INSERT INTO agent_status(agent_id, status, last_heartbeat, messages_pending, messages_processed, error_count)
VALUES (?, 'active', ?, 0, 0, 1)
ON CONFLICT(agent_id) DO UPDATE SET
  messages_pending = MAX(0, messages_pending - 1),
  error_count = error_count + 1`,
		agent, at.UnixMilli())
	return err
}

// ListAgentStatuses returns every persisted status row: one per agent that
// has heartbeated or had a message claim or completion counted against it.
// Used by the health registry to compute aggregate liveness counts.
func (s *Store) ListAgentStatuses(ctx context.Context) ([]AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT agent_id, status, current_task, last_heartbeat, messages_pending, messages_processed, error_count
FROM agent_status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AgentStatus
	for rows.Next() {
		var a AgentStatus
		var currentTask sql.NullString
		var lastHeartbeat int64
		if err := rows.Scan(&a.AgentID, &a.Status, &currentTask, &lastHeartbeat, &a.MessagesPending, &a.MessagesProcessed, &a.ErrorCount); err != nil {
			return nil, err
		}
		a.CurrentTask = nullableString(currentTask)
		a.LastHeartbeat = time.UnixMilli(lastHeartbeat).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// Subscribe inserts a (channel, agent) subscription row. Idempotent:
// subscribe;subscribe = subscribe.
func (s *Store) Subscribe(ctx context.Context, actor, agent, channel string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := time.Now().UTC()
		_, err := conn.ExecContext(ctx, `
INSERT INTO channel_subscriptions(channel, agent, subscribed_at) VALUES (?, ?, ?)
ON CONFLICT(channel, agent) DO NOTHING`, channel, agent, now.UnixMilli())
		if err != nil {
			return err
		}
		return insertAudit(ctx, conn, now, actor, "channel.subscribe", agent+" -> "+channel)
	})
}

// Unsubscribe deletes a (channel, agent) subscription row, if present.
func (s *Store) Unsubscribe(ctx context.Context, actor, agent, channel string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		now := time.Now().UTC()
		if _, err := conn.ExecContext(ctx, `DELETE FROM channel_subscriptions WHERE channel = ? AND agent = ?`, channel, agent); err != nil {
			return err
		}
		return insertAudit(ctx, conn, now, actor, "channel.unsubscribe", agent+" -> "+channel)
	})
}

// Channels returns every channel agent is subscribed to, including the
// implicit "general" membership every known agent has.
func (s *Store) Channels(ctx context.Context, agent string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel FROM channel_subscriptions WHERE agent = ?`, agent)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	seen := map[string]bool{"general": true}
	out := []string{"general"}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

// SubscribersOf returns the agents currently subscribed to channel,
// including the implicit "general" membership for every agent with an
// agent_status row (general has no explicit subscription rows).
func (s *Store) SubscribersOf(ctx context.Context, channel string) ([]string, error) {
	if channel == "general" {
		rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agent_status`)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()
		var out []string
		for rows.Next() {
			var a string
			if err := rows.Scan(&a); err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, rows.Err()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT agent FROM channel_subscriptions WHERE channel = ?`, channel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
