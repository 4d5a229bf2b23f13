package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/termsup/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per-connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_history(
			id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			pid INTEGER NOT NULL,
			command TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			exit_code INTEGER NULL,
			detail TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_command_history_pid ON command_history(pid);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var code any
	if e.ExitCode != nil {
		code = *e.ExitCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history(id, occurred_at, event, pid, command, cwd, status, exit_code, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.PID, e.Command, e.Cwd, e.Status, code, e.Detail)
	return err
}

// Count returns the number of stored events for pid, or all events when pid <= 0.
func (s *Sink) Count(ctx context.Context, pid int) (int, error) {
	q := `SELECT COUNT(*) FROM command_history`
	args := []any{}
	if pid > 0 {
		q += ` WHERE pid = ?`
		args = append(args, pid)
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
