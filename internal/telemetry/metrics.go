// Package telemetry holds the hub's Prometheus collectors and logging helpers.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livequiz",
		Name:      "hub_connections",
		Help:      "Open hub websocket connections.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livequiz",
		Name:      "active_sessions",
		Help:      "Live quiz sessions that have not ended.",
	})
	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livequiz",
		Name:      "hub_calls_total",
		Help:      "Hub invocations by method and result code.",
	}, []string{"method", "code"})
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livequiz",
		Name:      "hub_events_total",
		Help:      "Events delivered to subscribers.",
	}, []string{"event"})
	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livequiz",
		Name:      "answers_total",
		Help:      "Accepted answers by correctness.",
	}, []string{"correct"})
	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livequiz",
		Name:      "slow_subscriber_evictions_total",
		Help:      "Subscribers detached because their send buffer was full.",
	})
	RedisCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livequiz",
		Name:      "redis_commands_total",
		Help:      "Redis commands issued by the hub.",
	}, []string{"command", "status"})
)

// ObserveCall records the outcome of one hub invocation.
func ObserveCall(method string, code string) {
	if code == "" {
		code = "OK"
	}
	Calls.WithLabelValues(method, code).Inc()
}
