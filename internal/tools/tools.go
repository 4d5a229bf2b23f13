// Package tools implements the agent-facing operations on tracked commands:
// execute with a bounded wait, status with an optional wait for changes,
// output retrieval and stop with cleanup.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/termsup/internal/history"
	"github.com/loykin/termsup/internal/logstore"
	"github.com/loykin/termsup/internal/metrics"
	"github.com/loykin/termsup/internal/state"
	"github.com/loykin/termsup/internal/supervisor"
)

// Tool names as exposed to clients.
const (
	NameExecute = "execute_command"
	NameStatus  = "get_terminal_status"
	NameOutput  = "get_terminal_output"
	NameStop    = "stop_terminal_command"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultPollInterval    = 200 * time.Millisecond
	DefaultLastOutputChars = 1000
	DefaultMaxStatusWait   = 300 * time.Second
	DefaultOutputLines     = 100
)

// Supervisor is the process control the tools depend on.
type Supervisor interface {
	Spawn(ctx context.Context, req supervisor.SpawnRequest) (*supervisor.Spawned, error)
	Kill(ctx context.Context, pid int) supervisor.KillResult
}

type Config struct {
	DefaultTimeout  time.Duration
	PollInterval    time.Duration
	LastOutputChars int
	MaxStatusWait   time.Duration
}

type Tools struct {
	sup     Supervisor
	state   *state.Store
	logs    *logstore.Store
	history *history.Recorder
	logger  *slog.Logger
	cfg     Config
}

func New(sup Supervisor, st *state.Store, logs *logstore.Store, rec *history.Recorder, cfg Config, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LastOutputChars <= 0 {
		cfg.LastOutputChars = DefaultLastOutputChars
	}
	if cfg.MaxStatusWait <= 0 {
		cfg.MaxStatusWait = DefaultMaxStatusWait
	}
	return &Tools{
		sup:     sup,
		state:   st,
		logs:    logs,
		history: rec,
		logger:  logger.With("component", "tools"),
		cfg:     cfg,
	}
}

// begin tags a call with a request id and returns a func that records metrics.
func (t *Tools) begin(tool string) (*slog.Logger, func(error)) {
	start := time.Now()
	l := t.logger.With("tool", tool, "request_id", uuid.NewString())
	return l, func(err error) {
		metrics.ObserveToolCall(tool, err, time.Since(start).Seconds())
		if err != nil {
			l.Warn("tool call failed", "error", err)
		}
	}
}
