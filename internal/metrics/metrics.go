// Package metrics exports socket statistics to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "quicmux"
)

// Metrics contains the process-level metrics. Socket counters are exported
// by Collector at scrape time.
type Metrics struct {
	Info      *prometheus.GaugeVec
	StartTime prometheus.Gauge
	Up        prometheus.Gauge

	ShutdownDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Build and endpoint information, always 1",
		}, []string{"version", "local_addr"}),

		StartTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix time the socket was bound",
		}),

		Up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 while the socket is serving",
		}),

		ShutdownDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shutdown_duration_seconds",
			Help:      "Time taken to drain and close the socket",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10},
		}),
	}
}

// RecordStart marks the socket as serving on addr.
func (m *Metrics) RecordStart(version, addr string, at time.Time) {
	m.Info.WithLabelValues(version, addr).Set(1)
	m.StartTime.Set(float64(at.Unix()))
	m.Up.Set(1)
}

// RecordStop marks the socket as stopped after a shutdown that took d.
func (m *Metrics) RecordStop(d time.Duration) {
	m.Up.Set(0)
	m.ShutdownDuration.Observe(d.Seconds())
}
