package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "termsup"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "spawns_total",
			Help:      "Number of commands spawned.",
		},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "spawn_failures_total",
			Help:      "Number of commands the OS refused to start.",
		},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "exits_total",
			Help:      "Number of observed command exits by final status.",
		}, []string{"status"},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "kills_total",
			Help:      "Number of termination attempts by outcome.",
		}, []string{"outcome"},
	)
	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "evictions_total",
			Help:      "Number of finished records evicted for slot reuse.",
		},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "running",
			Help:      "Commands currently owned by this supervisor and not yet exited.",
		},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "run_duration_seconds",
			Help:      "Wall time between spawn and drained exit.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 1800},
		},
	)
	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Number of tool invocations by tool and result.",
		}, []string{"tool", "result"},
	)
	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Tool call latency, including any wait window.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, spawnFailures, exits, kills, evictions, running, runDuration, toolCalls, toolDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has succeeded.

func IncSpawn() {
	if regOK.Load() {
		spawns.Inc()
		running.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		spawnFailures.Inc()
	}
}

// ObserveExit records a drained exit of an owned child.
func ObserveExit(status string, seconds float64) {
	if regOK.Load() {
		exits.WithLabelValues(status).Inc()
		running.Dec()
		runDuration.Observe(seconds)
	}
}

func IncKill(outcome string) {
	if regOK.Load() {
		kills.WithLabelValues(outcome).Inc()
	}
}

func IncEviction() {
	if regOK.Load() {
		evictions.Inc()
	}
}

func ObserveToolCall(tool string, err error, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	toolCalls.WithLabelValues(tool, result).Inc()
	toolDuration.WithLabelValues(tool).Observe(seconds)
}
