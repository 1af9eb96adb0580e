package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/quicmux/internal/stats"
)

// Source is what Collector reads at scrape time. *socket.Socket satisfies it.
type Source interface {
	Stats() stats.Snapshot
	Routes() (sessions, aliases int)
}

// Collector exports a socket's counters and routing table size.
type Collector struct {
	src      Source
	counters map[stats.Counter]*prometheus.Desc
	sessions *prometheus.Desc
	aliases  *prometheus.Desc
}

// NewCollector creates a collector reading from src.
func NewCollector(src Source) *Collector {
	c := &Collector{
		src:      src,
		counters: make(map[stats.Counter]*prometheus.Desc),
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "router", "sessions"),
			"Sessions currently routed", nil, nil),
		aliases: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "router", "aliases"),
			"Alias connection IDs currently routed", nil, nil),
	}
	for _, ctr := range stats.Counters() {
		c.counters[ctr] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "socket", ctr.String()+"_total"),
			"Socket counter "+ctr.String(), nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	ch <- c.sessions
	ch <- c.aliases
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Stats()
	for ctr, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(snap.Value(ctr)))
	}

	sessions, aliases := c.src.Routes()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(sessions))
	ch <- prometheus.MustNewConstMetric(c.aliases, prometheus.GaugeValue, float64(aliases))
}

// Register adds a collector for src to reg.
func Register(reg prometheus.Registerer, src Source) error {
	return reg.Register(NewCollector(src))
}
