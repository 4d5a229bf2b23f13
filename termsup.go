// Package termsup runs shell commands in the background on behalf of agents
// and tracks them across restarts.
package termsup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/termsup/internal/config"
	"github.com/loykin/termsup/internal/history"
	"github.com/loykin/termsup/internal/history/factory"
	"github.com/loykin/termsup/internal/logstore"
	"github.com/loykin/termsup/internal/mcpserver"
	"github.com/loykin/termsup/internal/metrics"
	iapi "github.com/loykin/termsup/internal/server"
	"github.com/loykin/termsup/internal/state"
	"github.com/loykin/termsup/internal/supervisor"
	"github.com/loykin/termsup/internal/tools"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ExecuteRequest = tools.ExecuteRequest

type ExecuteResult = tools.ExecuteResult

type StatusResult = tools.StatusResult

type OutputResult = tools.OutputResult

type StopResult = tools.StopResult

type Status = state.Status

type HistorySink = history.Sink

var ErrNotFound = tools.ErrNotFound

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Service wires the state store, log store, supervisor and tools from one
// Config. Create it once per state directory.
type Service struct {
	cfg     *Config
	logger  *slog.Logger
	state   *state.Store
	logs    *logstore.Store
	history *history.Recorder
	sup     *supervisor.Supervisor
	tools   *tools.Tools
	sampler *metrics.ProcessSampler

	cancel context.CancelFunc
}

// New loads persisted state, adopts processes left running by a previous
// instance and starts background samplers. extraSinks receive history events
// alongside those configured by DSN.
func New(c *Config, logger *slog.Logger, extraSinks ...HistorySink) (*Service, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	childEnv, err := c.ChildEnv()
	if err != nil {
		return nil, err
	}
	rec, err := factory.NewRecorder(logger, c.History, extraSinks...)
	if err != nil {
		return nil, err
	}

	st := state.New(state.NewJSONFile(c.StateFile), logger)
	if err := st.Load(); err != nil {
		_ = rec.Close(context.Background())
		return nil, err
	}
	logs := logstore.New(c.LogDir, logger)

	sup := supervisor.New(supervisor.Options{
		State:         st,
		Logs:          logs,
		Env:           childEnv,
		GracePeriod:   c.GracePeriod,
		DrainTimeout:  c.DrainTimeout,
		OrphanPolling: c.OrphanPolling,
		History:       rec,
		Logger:        logger,
	})
	t := tools.New(sup, st, logs, rec, tools.Config{
		DefaultTimeout:  c.DefaultTimeout,
		PollInterval:    c.PollInterval,
		LastOutputChars: c.LastOutputChars,
		MaxStatusWait:   c.MaxStatusWait,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     c,
		logger:  logger,
		state:   st,
		logs:    logs,
		history: rec,
		sup:     sup,
		tools:   t,
		cancel:  cancel,
		sampler: metrics.NewProcessSampler(metrics.ProcessMetricsConfig{
			Enabled:    c.Metrics.Enabled && c.Metrics.ProcessMetrics.Enabled,
			Interval:   c.Metrics.ProcessMetrics.Interval,
			MaxHistory: c.Metrics.ProcessMetrics.MaxHistory,
		}, logger),
	}

	if c.Metrics.Enabled {
		if err := s.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("registering metrics failed", "error", err)
		}
	}
	s.sampler.Start(ctx, sup.RunningPIDs)

	if n := sup.Adopt(ctx); n > 0 {
		logger.Info("adopted processes from previous run", "count", n)
	}
	return s, nil
}

func (s *Service) Config() *Config { return s.cfg }

func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	return s.tools.Execute(ctx, req)
}

func (s *Service) Status(ctx context.Context, wait time.Duration) (*StatusResult, error) {
	return s.tools.Status(ctx, wait)
}

func (s *Service) Output(ctx context.Context, pid, lines int) (*OutputResult, error) {
	return s.tools.Output(ctx, pid, lines)
}

func (s *Service) Stop(ctx context.Context, pids []int, lines int) ([]StopResult, error) {
	return s.tools.Stop(ctx, pids, lines)
}

// RegisterMetrics registers the command counters and, when enabled, the
// per-process gauges with r.
func (s *Service) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	return s.sampler.RegisterMetrics(r)
}

// Handler returns the HTTP API mounted under the configured base path, with
// /metrics when metrics are enabled.
func (s *Service) Handler() http.Handler {
	r := iapi.NewRouter(s.tools, s.cfg.Server.BasePath, s.logger)
	if s.cfg.Metrics.Enabled {
		r.WithMetrics(metrics.Handler())
	}
	return r.Handler()
}

// MCPServer returns the MCP tool server for these tools.
func (s *Service) MCPServer(version string) *mcpserver.Server {
	return mcpserver.New(s.tools, version, s.logger)
}

// NewHTTPServer starts serving Handler on the configured listen address.
func (s *Service) NewHTTPServer() *http.Server {
	return iapi.NewServer(s.cfg.Server.Listen, s.Handler(), s.logger)
}

// NewMetricsServer starts a dedicated /metrics listener when one is
// configured, returning nil otherwise.
func (s *Service) NewMetricsServer() *http.Server {
	if !s.cfg.Metrics.Enabled || s.cfg.Metrics.Listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return iapi.NewServer(s.cfg.Metrics.Listen, mux, s.logger)
}

// Close stops background work and flushes history. Tracked commands keep
// running and are adopted by the next instance.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	s.sampler.Stop()
	s.sup.Close()
	return s.history.Close(ctx)
}
