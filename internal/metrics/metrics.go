// Package metrics exposes Prometheus instruments for the shipping pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "logshipper"

// Drop reasons used as the "reason" label of EntriesDropped.
const (
	ReasonOverflow  = "overflow"
	ReasonOversize  = "oversize"
	ReasonEncoding  = "encoding"
	ReasonSendLimit = "retries_exhausted"
)

// Metrics groups every instrument. A nil *Metrics is valid and records
// nothing, so components can be built without one.
type Metrics struct {
	EntriesAccepted prometheus.Counter
	EntriesDropped  *prometheus.CounterVec
	BatchesSent     prometheus.Counter
	BatchesFailed   prometheus.Counter
	SendAttempts    prometheus.Counter
	BufferedBytes   prometheus.Gauge
	TimeDeltaMillis prometheus.Gauge
	TimeSyncs       *prometheus.CounterVec
}

// New registers the instruments on reg. A nil reg uses a fresh private
// registry, which keeps independent instances from colliding.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		EntriesAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_accepted_total",
			Help:      "Log entries accepted into the buffer",
		}),
		EntriesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_dropped_total",
			Help:      "Log entries dropped before or during delivery",
		}, []string{"reason"}),
		BatchesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_sent_total",
			Help:      "Batches that received an HTTP response from the collector",
		}),
		BatchesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Batches abandoned after exhausting retries",
		}),
		SendAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "HTTP POST attempts, including retries",
		}),
		BufferedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_bytes",
			Help:      "Serialized size of the entries currently buffered",
		}),
		TimeDeltaMillis: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "time_delta_milliseconds",
			Help:      "Offset applied to local timestamps to match the collector clock",
		}),
		TimeSyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "time_syncs_total",
			Help:      "Time synchronization attempts by result",
		}, []string{"result"}),
	}
}

// Accepted counts one accepted entry.
func (m *Metrics) Accepted() {
	if m == nil {
		return
	}
	m.EntriesAccepted.Inc()
}

// Dropped counts n dropped entries for reason.
func (m *Metrics) Dropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EntriesDropped.WithLabelValues(reason).Add(float64(n))
}

// Attempt counts one POST attempt.
func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.SendAttempts.Inc()
}

// Sent counts one delivered batch.
func (m *Metrics) Sent() {
	if m == nil {
		return
	}
	m.BatchesSent.Inc()
}

// Failed counts one abandoned batch of n entries.
func (m *Metrics) Failed(n int) {
	if m == nil {
		return
	}
	m.BatchesFailed.Inc()
	m.Dropped(ReasonSendLimit, n)
}

// SetBuffered records the current buffered byte size.
func (m *Metrics) SetBuffered(bytes int) {
	if m == nil {
		return
	}
	m.BufferedBytes.Set(float64(bytes))
}

// TimeSync records a sync attempt and, when ok, the new delta.
func (m *Metrics) TimeSync(ok bool, delta float64) {
	if m == nil {
		return
	}
	if !ok {
		m.TimeSyncs.WithLabelValues("failure").Inc()
		return
	}
	m.TimeSyncs.WithLabelValues("success").Inc()
	m.TimeDeltaMillis.Set(delta)
}
