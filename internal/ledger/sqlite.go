package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/bpsync/pkg/api"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore keeps the ledger in a SQLite database. Each Save is one
// transaction, so readers only ever see a complete ledger.
type SQLiteStore struct {
	path     string
	db       *sql.DB
	migrated bool
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{path: path, db: db}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if s.migrated {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	s.migrated = true
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Ledger, error) {
	if s.db == nil {
		return nil, errors.New("db not initialized")
	}
	if err := s.migrate(ctx); err != nil {
		return nil, &api.CorruptLedgerError{Path: s.path, Err: err}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source, local_path, remote_location, state, last_error, attempts
		FROM tasks ORDER BY position`)
	if err != nil {
		return nil, &api.CorruptLedgerError{Path: s.path, Err: err}
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		var t Task
		var state string
		if err := rows.Scan(&t.ID, &t.Source, &t.LocalPath, &t.RemoteLocation, &state, &t.LastError, &t.Attempts); err != nil {
			return nil, &api.CorruptLedgerError{Path: s.path, Err: err}
		}
		t.State = State(state)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &api.CorruptLedgerError{Path: s.path, Err: err}
	}
	l, err := FromTasks(tasks)
	if err != nil {
		return nil, &api.CorruptLedgerError{Path: s.path, Err: err}
	}
	return l, nil
}

func (s *SQLiteStore) Save(ctx context.Context, l *Ledger) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	if err := s.migrate(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks
		(position, id, source, local_path, remote_location, state, last_error, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			source = excluded.source,
			local_path = excluded.local_path,
			remote_location = excluded.remote_location,
			state = excluded.state,
			last_error = excluded.last_error,
			attempts = excluded.attempts`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for i, t := range l.Tasks() {
		if _, err := stmt.ExecContext(ctx, i, t.ID, t.Source, t.LocalPath, t.RemoteLocation, string(t.State), t.LastError, t.Attempts); err != nil {
			return fmt.Errorf("upsert %s: %w", t.ID, err)
		}
	}

	gone, err := s.goneIDs(ctx, tx, l)
	if err != nil {
		return err
	}
	for _, id := range gone {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// goneIDs lists stored ids that l no longer holds.
func (s *SQLiteStore) goneIDs(ctx context.Context, tx *sql.Tx, l *Ledger) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var gone []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		if _, ok := l.Get(id); !ok {
			gone = append(gone, id)
		}
	}
	return gone, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}
