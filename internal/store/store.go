// Package store is the embedded relational persistence layer: a single
// SQLite database file with write-ahead logging, immediate (writer-upfront)
// transactions for every mutation, and bounded-retry contention handling.
// Every other component reads and mutates exclusively through this package.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentbus/agentbus/internal/config"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the database handle and three prepared claim statements. The
// statements are prepared by Open and released by Close; ClaimMessage and
// ClaimTask run their own SQL on the transaction's connection instead.
type Store struct {
	db *sql.DB

	stmtClaimMessage   *sql.Stmt
	stmtClaimBroadcast *sql.Stmt
	stmtClaimTask      *sql.Stmt
}

// Open ensures the persisted state layout exists, opens (creating if
// necessary) the database at home/protected/db.sqlite, applies pending
// migrations, and prepares the claim statements.
func Open(home string) (*Store, error) {
	if err := config.EnsureLayout(home); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(home, "protected", "db.sqlite")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)"
	return open(dsn)
}

var memoryDBCounter int64

// OpenMemory opens an in-process database private to the returned Store;
// used by tests. Each call gets its own shared-cache name so concurrent
// tests never see each other's rows, while the Store's own connection
// pool still shares one in-memory database among its connections.
func OpenMemory() (*Store, error) {
	n := atomic.AddInt64(&memoryDBCounter, 1)
	dsn := fmt.Sprintf("file:agentbus-test-%d-%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", os.Getpid(), n)
	return open(dsn)
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.initPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=OFF;", // relations enforced in application code, not the schema
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	pairs := []struct {
		dest **sql.Stmt
		q    string
	}{
		{&s.stmtClaimMessage, `UPDATE messages SET status='processing', delivery_count=delivery_count+1, last_delivered_at=? WHERE message_id=? AND status='pending'`},
		{&s.stmtClaimBroadcast, `UPDATE broadcast_deliveries SET status='acknowledged', updated_at=? WHERE message_id=? AND recipient=? AND status='delivered'`},
		{&s.stmtClaimTask, `UPDATE tasks SET status='assigned', assignee=?, started_at=? WHERE task_id=? AND status='open'`},
	}
	for _, p := range pairs {
		st, err := s.db.PrepareContext(ctx, p.q)
		if err != nil {
			return err
		}
		*p.dest = st
	}
	return nil
}

// Close releases prepared statements and the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, st := range []*sql.Stmt{s.stmtClaimMessage, s.stmtClaimBroadcast, s.stmtClaimTask} {
		if st != nil {
			_ = st.Close()
		}
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	var migs []migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(f.Name())
		if err != nil {
			return err
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, migration{Version: v, Name: f.Name(), SQL: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })

	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(m.SQL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid migration version in %s", filename)
	}
	return v, nil
}

// withImmediateTx runs fn on a single connection wrapped in a BEGIN
// IMMEDIATE transaction (reserving the writer lock upfront so the "check
// then write" pattern underlying every claim cannot race), retrying on
// transient contention with bounded exponential backoff and jitter: <=5
// attempts, base 50ms, jitter +-50%. database/sql has no native "immediate"
// isolation level, so the mode is requested with a raw statement on a
// dedicated connection rather than through sql.TxOptions.
func (s *Store) withImmediateTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	const maxAttempts = 5
	const base = 50 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := base * time.Duration(1<<uint(attempt-1))
			jitter := delay / 2
			sleep := delay - jitter + time.Duration(rand.Int63n(int64(jitter*2+1)))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.runImmediateTx(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (s *Store) runImmediateTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "COMMIT")
	return err
}

func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
