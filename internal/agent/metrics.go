package agent

import "github.com/prometheus/client_golang/prometheus"

type serverMetrics struct {
	sessions         prometheus.Gauge
	reverseListeners prometheus.Gauge
	streams          *prometheus.CounterVec
	bytes            *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridgectl",
			Subsystem: "agent",
			Name:      "sessions",
			Help:      "Number of connected control channels.",
		}),
		reverseListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridgectl",
			Subsystem: "agent",
			Name:      "reverse_listeners",
			Help:      "Number of ports listening for reverse port-forwards.",
		}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "agent",
			Name:      "streams_total",
			Help:      "Streams opened, by kind.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgectl",
			Subsystem: "agent",
			Name:      "bytes_total",
			Help:      "Bytes carried, by kind and direction.",
		}, []string{"kind", "direction"}),
	}
	reg.MustRegister(m.sessions, m.reverseListeners, m.streams, m.bytes)
	return m
}
