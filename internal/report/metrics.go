package report

import (
	"github.com/prometheus/client_golang/prometheus"

	"FlowScope/internal/model"
)

var (
	descDecodeErrors = prometheus.NewDesc("flowscope_decode_errors_total",
		"Packets rejected by the protocol decoder.", nil, nil)
	descRingDrops = prometheus.NewDesc("flowscope_ring_drops_total",
		"Packets dropped because the engine ring was full.", nil, nil)
	descTableDrops = prometheus.NewDesc("flowscope_table_drops_total",
		"Packets dropped because the flow table was full.", nil, nil)
	descDeadlineMisses = prometheus.NewDesc("flowscope_deadline_misses_total",
		"Capture ticks that overran their deadline.", nil, nil)
	descInvariantSkips = prometheus.NewDesc("flowscope_invariant_skips_total",
		"Bookkeeping invariant violations recovered by skip-and-log.", nil, nil)
)

// CountersCollector exposes the engine drop/error counters to
// prometheus. It reads through a function so it survives engine
// restarts.
type CountersCollector struct {
	read func() model.CounterSnapshot
}

// NewCountersCollector wraps a counter source, typically
// (*capture.Loop).Counters.
func NewCountersCollector(read func() model.CounterSnapshot) *CountersCollector {
	return &CountersCollector{read: read}
}

// Describe implements prometheus.Collector.
func (c *CountersCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descDecodeErrors
	ch <- descRingDrops
	ch <- descTableDrops
	ch <- descDeadlineMisses
	ch <- descInvariantSkips
}

// Collect implements prometheus.Collector.
func (c *CountersCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.read()
	ch <- prometheus.MustNewConstMetric(descDecodeErrors, prometheus.CounterValue, float64(s.DecodeErrors))
	ch <- prometheus.MustNewConstMetric(descRingDrops, prometheus.CounterValue, float64(s.RingDrops))
	ch <- prometheus.MustNewConstMetric(descTableDrops, prometheus.CounterValue, float64(s.TableDrops))
	ch <- prometheus.MustNewConstMetric(descDeadlineMisses, prometheus.CounterValue, float64(s.DeadlineMisses))
	ch <- prometheus.MustNewConstMetric(descInvariantSkips, prometheus.CounterValue, float64(s.InvariantSkips))
}
