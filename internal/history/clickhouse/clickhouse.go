package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/termsup/internal/history"
)

// Sink sends events to ClickHouse using the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port of the native interface), verifies the
// connection and creates table when missing.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID,
			type LowCardinality(String),
			occurred_at DateTime64(6),
			pid UInt32,
			command String,
			cwd String,
			status LowCardinality(String),
			exit_code Nullable(Int32),
			detail String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, pid)`, s.table))
	if err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, type, occurred_at, pid, command, cwd, status, exit_code, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var code *int32
	if e.ExitCode != nil {
		v := int32(*e.ExitCode)
		code = &v
	}
	err := s.conn.Exec(ctx, query,
		e.ID,
		string(e.Type),
		e.OccurredAt,
		uint32(e.PID),
		e.Command,
		e.Cwd,
		e.Status,
		code,
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
