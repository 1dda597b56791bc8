package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"tagredis/pkg/metrics"
	"tagredis/server"
)

type serverMetrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	commandDuration   *prometheus.HistogramVec
	commandErrors     *prometheus.CounterVec
}

// NewServerMetrics registers the store server metrics on reg.
func NewServerMetrics(reg prometheus.Registerer) server.Metrics {
	m := &serverMetrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tagredis_server_connections_active",
			Help: "Number of open client connections",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagredis_server_connections_total",
			Help: "Total number of accepted client connections",
		}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tagredis_server_command_duration_seconds",
			Help:    "Command execution time in seconds",
			Buckets: defaultBuckets,
		}, []string{"command"}),

		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagredis_server_command_errors_total",
			Help: "Total number of commands answered with an error",
		}, []string{"command"}),
	}

	reg.MustRegister(
		m.connectionsActive,
		m.connectionsTotal,
		m.commandDuration,
		m.commandErrors,
	)

	return m
}

func (m *serverMetrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *serverMetrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

func (m *serverMetrics) CommandDuration(cmd string) metrics.Timer {
	return newTimer(m.commandDuration.WithLabelValues(cmd))
}

func (m *serverMetrics) CommandFailed(cmd string) {
	m.commandErrors.WithLabelValues(cmd).Inc()
}

var _ server.Metrics = (*serverMetrics)(nil)
