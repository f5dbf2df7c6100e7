package store

import (
	"context"
	"database/sql"
	"time"
)

// insertAudit appends one audit row within the caller's transaction. Append
// order under the single-writer lock is the audit order.
func insertAudit(ctx context.Context, conn *sql.Conn, at time.Time, actor, kind, summary string) error {
	_, err := conn.ExecContext(ctx, `INSERT INTO audit(at, actor, kind, summary) VALUES (?, ?, ?, ?)`,
		at.UnixMilli(), actor, kind, summary)
	return err
}

// ListAudit returns the most recent audit events, newest first, for
// monitoring and tests. The audit log itself is append-only; this is a read
// path only.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, at, actor, kind, summary FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Kind, &e.Summary); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
