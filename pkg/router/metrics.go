package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commands       *prometheus.CounterVec
	reloadCommands *prometheus.CounterVec
	applyErrors    *prometheus.CounterVec
	sinkErrors     *prometheus.CounterVec
	listeners      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxystate",
			Subsystem: "router",
			Name:      "commands_total",
			Help:      "Commands applied to listener state, by listener and command type.",
		}, []string{"listener", "type"}),
		reloadCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxystate",
			Subsystem: "router",
			Name:      "reload_commands_total",
			Help:      "Commands emitted by configuration reloads.",
		}, []string{"listener"}),
		applyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxystate",
			Subsystem: "router",
			Name:      "apply_errors_total",
			Help:      "Commands rejected by listener state.",
		}, []string{"listener"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxystate",
			Subsystem: "router",
			Name:      "sink_errors_total",
			Help:      "Failed deliveries to data-plane sinks.",
		}, []string{"listener"}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxystate",
			Subsystem: "router",
			Name:      "listeners",
			Help:      "Number of listeners currently managed.",
		}),
	}
	reg.MustRegister(m.commands, m.reloadCommands, m.applyErrors, m.sinkErrors, m.listeners)
	return m
}
