package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessSamplerDefaults(t *testing.T) {
	tests := []struct {
		name       string
		config     ProcessMetricsConfig
		interval   time.Duration
		maxHistory int
	}{
		{"defaults", ProcessMetricsConfig{Enabled: true}, 5 * time.Second, 100},
		{"custom", ProcessMetricsConfig{Enabled: true, Interval: time.Second, MaxHistory: 3}, time.Second, 3},
		{"negative", ProcessMetricsConfig{Interval: -1, MaxHistory: -5}, 5 * time.Second, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProcessSampler(tt.config, nil)
			assert.Equal(t, tt.config.Enabled, s.Enabled())
			assert.Equal(t, tt.interval, s.interval)
			assert.Equal(t, tt.maxHistory, s.maxHistory)
		})
	}
}

func TestRingKeepsNewest(t *testing.T) {
	r := &ring{buf: make([]ProcessMetrics, 3)}
	for i := int32(1); i <= 5; i++ {
		r.add(ProcessMetrics{PID: i})
	}
	got := r.ordered()
	require.Len(t, got, 3)
	assert.Equal(t, []int32{3, 4, 5}, []int32{got[0].PID, got[1].PID, got[2].PID})
}

func TestCollectSelf(t *testing.T) {
	s := NewProcessSampler(ProcessMetricsConfig{Enabled: true, MaxHistory: 2}, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))

	pid := os.Getpid()
	s.Collect([]int{pid, 0, -3})
	s.Collect([]int{pid})
	s.Collect([]int{pid})

	latest, ok := s.Latest(pid)
	require.True(t, ok)
	assert.Equal(t, int32(pid), latest.PID)
	assert.Greater(t, latest.MemoryRSS, uint64(0))
	assert.Len(t, s.History(pid), 2)
	assert.Equal(t, 1, testutil.CollectAndCount(s.memoryMB))

	s.Collect(nil)
	_, ok = s.Latest(pid)
	assert.False(t, ok)
	assert.Equal(t, 0, testutil.CollectAndCount(s.memoryMB))
}

func TestCollectSkipsMissingPID(t *testing.T) {
	s := NewProcessSampler(ProcessMetricsConfig{Enabled: true}, nil)
	s.Collect([]int{1 << 22})
	assert.Empty(t, s.History(1<<22))
}

func TestStartStop(t *testing.T) {
	s := NewProcessSampler(ProcessMetricsConfig{Enabled: true, Interval: 10 * time.Millisecond}, nil)
	pid := os.Getpid()
	s.Start(context.Background(), func() []int { return []int{pid} })

	assert.Eventually(t, func() bool {
		_, ok := s.Latest(pid)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestDisabledSamplerDoesNothing(t *testing.T) {
	s := NewProcessSampler(ProcessMetricsConfig{}, nil)
	require.NoError(t, s.RegisterMetrics(prometheus.NewRegistry()))
	s.Start(context.Background(), func() []int { t.Fatal("should not be called"); return nil })
	s.Stop()
}
