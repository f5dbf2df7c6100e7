package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyClaimed, ErrDependenciesUnmet, and ErrInvalidTransition are
// store-level conflict signals the jobboard package wraps in its own
// named sentinels.
var (
	ErrAlreadyClaimed    = errors.New("task already claimed")
	ErrDependenciesUnmet = errors.New("task dependencies unmet")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// TaskInput describes a new task.
type TaskInput struct {
	TaskID       string
	Title        string
	Description  string
	Priority     int
	Dependencies []string
	CreatedAt    time.Time
	Actor        string
}

// CreateTask inserts a task row with status 'open' and a creation history
// entry.
func (s *Store) CreateTask(ctx context.Context, in TaskInput) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
INSERT INTO tasks(task_id, title, description, priority, status, created_at) VALUES (?, ?, ?, ?, 'open', ?)`,
			in.TaskID, in.Title, in.Description, in.Priority, in.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		for _, dep := range in.Dependencies {
			if _, err := conn.ExecContext(ctx, `INSERT INTO task_dependencies(task_id, depends_on) VALUES (?, ?)`, in.TaskID, dep); err != nil {
				return err
			}
		}
		if err := appendTaskHistory(ctx, conn, in.TaskID, in.CreatedAt, "created"); err != nil {
			return err
		}
		return insertAudit(ctx, conn, in.CreatedAt, in.Actor, "task.create", in.TaskID)
	})
}

// GetTask fetches a task with its dependency list and history, or
// ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := s.getTaskRow(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	deps, err := s.taskDependencies(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	hist, err := s.taskHistory(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	t.History = hist
	return t, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getTaskRow(ctx context.Context, q querier, taskID string) (*Task, error) {
	row := q.QueryRowContext(ctx, `
SELECT task_id, title, description, priority, status, assignee, created_at, started_at, completed_at, result, error
FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var description, assignee, result, errStr sql.NullString
	var startedAt, completedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&t.TaskID, &t.Title, &description, &t.Priority, &t.Status, &assignee, &createdAt, &startedAt, &completedAt, &result, &errStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Description = description.String
	t.Assignee = nullableString(assignee)
	t.Result = nullableString(result)
	t.Error = nullableString(errStr)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	if startedAt.Valid {
		v := time.UnixMilli(startedAt.Int64).UTC()
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := time.UnixMilli(completedAt.Int64).UTC()
		t.CompletedAt = &v
	}
	return &t, nil
}

func (s *Store) taskDependencies(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

func (s *Store) taskHistory(ctx context.Context, q querier, taskID string) ([]TaskHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT at, note FROM task_history WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []TaskHistoryEntry
	for rows.Next() {
		var at int64
		var note string
		if err := rows.Scan(&at, &note); err != nil {
			return nil, err
		}
		out = append(out, TaskHistoryEntry{At: time.UnixMilli(at).UTC(), Note: note})
	}
	return out, rows.Err()
}

func appendTaskHistory(ctx context.Context, conn *sql.Conn, taskID string, at time.Time, note string) error {
	_, err := conn.ExecContext(ctx, `INSERT INTO task_history(task_id, at, note) VALUES (?, ?, ?)`, taskID, at.UnixMilli(), note)
	return err
}

// dependenciesSatisfied reports whether every dependency of taskID has
// status 'done', and returns the unmet subset for error reporting.
func dependenciesSatisfied(ctx context.Context, conn *sql.Conn, taskID string) (bool, []string, error) {
	rows, err := conn.QueryContext(ctx, `
SELECT d.depends_on, COALESCE(t.status, '')
FROM task_dependencies d LEFT JOIN tasks t ON t.task_id = d.depends_on
WHERE d.task_id = ?`, taskID)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = rows.Close() }()
	var unmet []string
	for rows.Next() {
		var dep, status string
		if err := rows.Scan(&dep, &status); err != nil {
			return false, nil, err
		}
		if status != "done" {
			unmet = append(unmet, dep)
		}
	}
	return len(unmet) == 0, unmet, rows.Err()
}

// AvailableTasks returns tasks with status 'open' whose dependencies are
// all 'done', sorted by priority descending then created_at ascending. If
// agent is non-nil, tasks assigned to a different agent are excluded (open
// tasks have no assignee, so in practice this only matters once blocked
// tasks are allowed back in — kept for caller-side symmetry with Claim).
func (s *Store) AvailableTasks(ctx context.Context, agent *string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, title, description, priority, status, assignee, created_at, started_at, completed_at, result, error
FROM tasks WHERE status = 'open' ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var candidates []Task
	for rows.Next() {
		var t Task
		var description, assignee, result, errStr sql.NullString
		var startedAt, completedAt sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&t.TaskID, &t.Title, &description, &t.Priority, &t.Status, &assignee, &createdAt, &startedAt, &completedAt, &result, &errStr); err != nil {
			return nil, err
		}
		t.Description = description.String
		t.Assignee = nullableString(assignee)
		t.Result = nullableString(result)
		t.Error = nullableString(errStr)
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		if agent != nil && t.Assignee != nil && *t.Assignee != *agent {
			continue
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(candidates))
	for _, t := range candidates {
		ok, _, err := func() (bool, []string, error) {
			conn, err := s.db.Conn(ctx)
			if err != nil {
				return false, nil, err
			}
			defer func() { _ = conn.Close() }()
			return dependenciesSatisfied(ctx, conn, t.TaskID)
		}()
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// ClaimTask atomically assigns an open task with satisfied dependencies to
// agent. Returns ErrNotFound, ErrDependenciesUnmet, or ErrAlreadyClaimed
// (status isn't 'open') on failure.
func (s *Store) ClaimTask(ctx context.Context, actor, agent, taskID string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var status string
		row := conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID)
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != "open" {
			return ErrAlreadyClaimed
		}
		ok, unmet, err := dependenciesSatisfied(ctx, conn, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %v", ErrDependenciesUnmet, unmet)
		}

		now := time.Now().UTC()
		res, err := conn.ExecContext(ctx, `UPDATE tasks SET status='assigned', assignee=?, started_at=? WHERE task_id=? AND status='open'`,
			agent, now.UnixMilli(), taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyClaimed
		}
		if err := appendTaskHistory(ctx, conn, taskID, now, "claimed by "+agent); err != nil {
			return err
		}
		return insertAudit(ctx, conn, now, actor, "task.claim", fmt.Sprintf("task=%s agent=%s", taskID, agent))
	})
}

var validTaskTransitions = map[string]map[string]bool{
	"assigned":    {"in-progress": true},
	"in-progress": {"blocked": true},
	"blocked":     {"in-progress": true},
}

// UpdateTask applies one of the permitted status transitions
// (assigned->in-progress, in-progress->blocked, blocked->in-progress).
// Disallowed transitions fail with ErrInvalidTransition.
func (s *Store) UpdateTask(ctx context.Context, actor, taskID, newStatus string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var current string
		row := conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !validTaskTransitions[current][newStatus] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, newStatus)
		}
		now := time.Now().UTC()
		if _, err := conn.ExecContext(ctx, `UPDATE tasks SET status=? WHERE task_id=?`, newStatus, taskID); err != nil {
			return err
		}
		if err := appendTaskHistory(ctx, conn, taskID, now, fmt.Sprintf("%s -> %s", current, newStatus)); err != nil {
			return err
		}
		return insertAudit(ctx, conn, now, actor, "task.update", fmt.Sprintf("task=%s status=%s", taskID, newStatus))
	})
}

// CompleteTask transitions a task from in-progress to done (errMsg == nil)
// or failed (errMsg != nil), recording a result or error. Once done, no
// further state changes are permitted except archival.
func (s *Store) CompleteTask(ctx context.Context, actor, taskID string, result, errMsg *string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var current string
		row := conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if current != "in-progress" {
			return fmt.Errorf("%w: %s -> done/failed", ErrInvalidTransition, current)
		}
		newStatus := "done"
		if errMsg != nil {
			newStatus = "failed"
		}
		now := time.Now().UTC()
		if _, err := conn.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, result=?, error=? WHERE task_id=?`,
			newStatus, now.UnixMilli(), result, errMsg, taskID); err != nil {
			return err
		}
		if err := appendTaskHistory(ctx, conn, taskID, now, "completed: "+newStatus); err != nil {
			return err
		}
		return insertAudit(ctx, conn, now, actor, "task.complete", fmt.Sprintf("task=%s status=%s", taskID, newStatus))
	})
}

// ReassignStaleTasks scans tasks in 'assigned' or 'in-progress' whose
// started_at is older than staleThreshold and resets them to 'open' with
// assignee cleared, appending a history note. This is an explicit
// operator/orchestrator invocation, never automatic.
func (s *Store) ReassignStaleTasks(ctx context.Context, actor string, staleThreshold time.Duration) ([]string, error) {
	var reassigned []string
	err := s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		cutoff := time.Now().UTC().Add(-staleThreshold).UnixMilli()
		rows, err := conn.QueryContext(ctx, `
SELECT task_id FROM tasks WHERE status IN ('assigned','in-progress') AND started_at IS NOT NULL AND started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_ = rows.Close()

		now := time.Now().UTC()
		for _, id := range ids {
			if _, err := conn.ExecContext(ctx, `UPDATE tasks SET status='open', assignee=NULL, started_at=NULL WHERE task_id=?`, id); err != nil {
				return err
			}
			if err := appendTaskHistory(ctx, conn, id, now, "reassigned: stale"); err != nil {
				return err
			}
			if err := insertAudit(ctx, conn, now, actor, "task.reassign_stale", id); err != nil {
				return err
			}
			reassigned = append(reassigned, id)
		}
		return nil
	})
	return reassigned, err
}
