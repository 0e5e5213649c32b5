// Package stats exposes multiplexer counters as Prometheus metrics.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/udplane/utcp"
)

type metric struct {
	description *prometheus.Desc
	valueType   prometheus.ValueType
	supplier    func(s utcp.Stats) float64
}

// MuxCollector implements prometheus.Collector over one multiplexer's
// counters. The underlying counters are atomics, so a registry may scrape
// from its own goroutine while the caller drives the engine.
type MuxCollector struct {
	mux     *utcp.Mux
	metrics []metric
}

// NewMuxCollector builds a collector for m. constLabels is meant for labels
// whose values are constant for the whole process, such as the carrier name.
func NewMuxCollector(m *utcp.Mux, constLabels prometheus.Labels) *MuxCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("utcp_"+name, help, nil, constLabels)
	}
	counter := func(name, help string, get func(s utcp.Stats) float64) metric {
		return metric{desc(name, help), prometheus.CounterValue, get}
	}
	return &MuxCollector{
		mux: m,
		metrics: []metric{
			{
				desc("connections", "Connections currently in the multiplexer table."),
				prometheus.GaugeValue,
				func(s utcp.Stats) float64 { return float64(s.Connections) },
			},
			counter("segments_received_total", "Datagrams handed to the ingress handler.",
				func(s utcp.Stats) float64 { return float64(s.SegmentsIn) }),
			counter("segments_sent_total", "Datagrams emitted through the send callback.",
				func(s utcp.Stats) float64 { return float64(s.SegmentsOut) }),
			counter("bytes_delivered_total", "Payload bytes handed to receive callbacks.",
				func(s utcp.Stats) float64 { return float64(s.BytesDelivered) }),
			counter("retransmits_total", "Datagrams emitted by the retransmission engine.",
				func(s utcp.Stats) float64 { return float64(s.Retransmits) }),
			counter("resets_sent_total", "RST datagrams synthesized.",
				func(s utcp.Stats) float64 { return float64(s.ResetsSent) }),
			counter("active_opens_total", "Connections opened with Connect.",
				func(s utcp.Stats) float64 { return float64(s.ActiveOpens) }),
			counter("passive_opens_total", "Connections allocated by incoming SYNs.",
				func(s utcp.Stats) float64 { return float64(s.PassiveOpens) }),
			counter("accepts_total", "Passive opens claimed by the application.",
				func(s utcp.Stats) float64 { return float64(s.Accepts) }),
			counter("reaped_total", "Connections removed by the timer engine.",
				func(s utcp.Stats) float64 { return float64(s.Reaped) }),
		},
	}
}

// Describe implements prometheus.Collector.
func (mc *MuxCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range mc.metrics {
		descs <- m.description
	}
}

// Collect implements prometheus.Collector.
func (mc *MuxCollector) Collect(metrics chan<- prometheus.Metric) {
	snapshot := mc.mux.Stats()
	for _, m := range mc.metrics {
		metrics <- prometheus.MustNewConstMetric(m.description, m.valueType, m.supplier(snapshot))
	}
}
