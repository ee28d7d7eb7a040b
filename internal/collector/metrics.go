package collector

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds atomic counters/gauges for the Collector, following the
// teacher's transport.Metrics Prometheus-text-exposition pattern
// (agent/internal/transport/metrics.go). The zero value is ready to use.
type Metrics struct {
	ConnectionsAccepted atomic.Int64
	EnvelopesReceived    atomic.Int64
	FramingErrors        atomic.Int64
	SaveErrors           atomic.Int64
	ActiveConnections    atomic.Int64
}

// NewMetrics allocates a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{"Total number of producer connections accepted.", "counter", "collector_connections_accepted_total", m.ConnectionsAccepted.Load()},
		{"Total number of envelopes successfully decoded.", "counter", "collector_envelopes_received_total", m.EnvelopesReceived.Load()},
		{"Total number of malformed length lines, short frame bodies, and undecodable envelopes encountered.", "counter", "collector_framing_errors_total", m.FramingErrors.Load()},
		{"Total number of EventStore.SaveEvent failures.", "counter", "collector_save_errors_total", m.SaveErrors.Load()},
		{"Number of producer connections currently open.", "gauge", "collector_active_connections", m.ActiveConnections.Load()},
	}
}

// Handler returns an http.Handler serving these metrics in Prometheus text
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
