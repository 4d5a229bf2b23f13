package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics is one CPU/memory sample of a running command.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	Timestamp  time.Time `json:"timestamp"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring is a fixed-size circular buffer of samples.
type ring struct {
	buf      []ProcessMetrics
	startIdx int
	count    int
}

func (r *ring) add(m ProcessMetrics) {
	if r.count < len(r.buf) {
		r.buf[r.count] = m
		r.count++
		return
	}
	r.buf[r.startIdx] = m
	r.startIdx = (r.startIdx + 1) % len(r.buf)
}

func (r *ring) ordered() []ProcessMetrics {
	out := make([]ProcessMetrics, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.startIdx+i)%len(r.buf)])
	}
	return out
}

// ProcessSampler periodically samples CPU and memory of the PIDs returned by
// a caller-supplied function and exports them as gauges labeled by pid.
type ProcessSampler struct {
	enabled    bool
	interval   time.Duration
	maxHistory int
	logger     *slog.Logger

	mu      sync.RWMutex
	history map[int32]*ring
	handles map[int32]*process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewProcessSampler(config ProcessMetricsConfig, logger *slog.Logger) *ProcessSampler {
	if logger == nil {
		logger = slog.Default()
	}
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ProcessSampler{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		logger:     logger.With("component", "process-metrics"),
		history:    make(map[int32]*ring),
		handles:    make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of running commands."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of running commands."),
		numThreads: gauge("num_threads", "Thread count of running commands."),
		numFDs:     gauge("num_fds", "Open file descriptors of running commands (Unix only)."),
	}
}

func (s *ProcessSampler) Enabled() bool { return s.enabled }

// RegisterMetrics registers the sampler's gauges with r.
func (s *ProcessSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (s *ProcessSampler) Start(ctx context.Context, pids func() []int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(pids())
			}
		}
	}()
}

func (s *ProcessSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every pid and forgets pids not in the list.
func (s *ProcessSampler) Collect(pids []int) {
	now := time.Now()
	active := make(map[int32]struct{}, len(pids))
	for _, p := range pids {
		if p <= 0 {
			continue
		}
		pid := int32(p)
		active[pid] = struct{}{}
		m, err := s.sample(pid, now)
		if err != nil {
			s.logger.Debug("sample failed", "pid", pid, "error", err)
			continue
		}
		label := strconv.Itoa(p)
		s.cpuPercent.WithLabelValues(label).Set(m.CPUPercent)
		s.memoryMB.WithLabelValues(label).Set(m.MemoryMB)
		s.numThreads.WithLabelValues(label).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			s.numFDs.WithLabelValues(label).Set(float64(m.NumFDs))
		}
		s.add(pid, m)
	}
	s.forgetExcept(active)
}

func (s *ProcessSampler) handle(pid int32) (*process.Process, error) {
	s.mu.RLock()
	h, ok := s.handles[pid]
	s.mu.RUnlock()
	if ok {
		return h, nil
	}
	h, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	s.mu.Lock()
	s.handles[pid] = h
	s.mu.Unlock()
	return h, nil
}

func (s *ProcessSampler) sample(pid int32, ts time.Time) (ProcessMetrics, error) {
	// CPUPercent on a cached handle measures the delta since the last call.
	proc, err := s.handle(pid)
	if err != nil {
		return ProcessMetrics{}, err
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	m := ProcessMetrics{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		Timestamp:  ts,
		NumThreads: threads,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

func (s *ProcessSampler) add(pid int32, m ProcessMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.history[pid]
	if !ok {
		r = &ring{buf: make([]ProcessMetrics, s.maxHistory)}
		s.history[pid] = r
	}
	r.add(m)
}

func (s *ProcessSampler) forgetExcept(active map[int32]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.history {
		if _, ok := active[pid]; ok {
			continue
		}
		delete(s.history, pid)
		label := strconv.Itoa(int(pid))
		s.cpuPercent.DeleteLabelValues(label)
		s.memoryMB.DeleteLabelValues(label)
		s.numThreads.DeleteLabelValues(label)
		s.numFDs.DeleteLabelValues(label)
	}
	for pid := range s.handles {
		if _, ok := active[pid]; !ok {
			delete(s.handles, pid)
		}
	}
}

// Latest returns the most recent sample for pid.
func (s *ProcessSampler) Latest(pid int) (ProcessMetrics, bool) {
	h := s.History(pid)
	if len(h) == 0 {
		return ProcessMetrics{}, false
	}
	return h[len(h)-1], true
}

// History returns samples for pid, oldest first.
func (s *ProcessSampler) History(pid int) []ProcessMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.history[int32(pid)]
	if !ok {
		return nil
	}
	return r.ordered()
}
