// Package metrics exposes the Prometheus instrumentation for the toll core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the toll pipeline
type Metrics struct {
	// Ingest metrics
	IngestTotal    *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec
	Rejections     *prometheus.CounterVec

	// Decision metrics
	DecisionTotal *prometheus.CounterVec
	FraudFlags    *prometheus.CounterVec

	// Trust metrics
	ReaderTrustScore  *prometheus.GaugeVec
	ReaderStatus      *prometheus.GaugeVec
	QuarantinesActive prometheus.Gauge
	Violations        *prometheus.CounterVec

	// VDF chain metrics
	ChainHeight   prometheus.Gauge
	VdfQueueDepth prometheus.Gauge
	VdfDuration   prometheus.Histogram

	// Anchor metrics
	AnchorsTotal    *prometheus.CounterVec
	AnchorQueueSize prometheus.Gauge
	AnchorAttempts  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		IngestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toll_ingest_total",
				Help: "Total toll events received, by outcome",
			},
			[]string{"outcome"}, // accepted, rejected
		),

		IngestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toll_ingest_duration_seconds",
				Help:    "End-to-end ingest handling duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		Rejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toll_ingest_rejections_total",
				Help: "Rejected submissions by rejection code",
			},
			[]string{"code"}, // UNKNOWN_READER, BAD_SIGNATURE, REPLAY, ...
		),

		DecisionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toll_decisions_total",
				Help: "Fused fraud decisions by verdict",
			},
			[]string{"decision"}, // allow, block
		),

		FraudFlags: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toll_fraud_flags_total",
				Help: "Individual fraud rule flags raised",
			},
			[]string{"flag"},
		),

		ReaderTrustScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toll_reader_trust_score",
				Help: "Current trust score per reader",
			},
			[]string{"reader_id"},
		),

		ReaderStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toll_reader_status",
				Help: "Reader enforcement state (1 for the current status label)",
			},
			[]string{"reader_id", "status"},
		),

		QuarantinesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toll_quarantines_active",
				Help: "Number of readers currently quarantined",
			},
		),

		Violations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toll_trust_violations_total",
				Help: "Trust violations recorded, by type",
			},
			[]string{"violation"},
		),

		ChainHeight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toll_vdf_chain_height",
				Help: "Sequence number of the VDF chain head",
			},
		),

		VdfQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toll_vdf_queue_depth",
				Help: "Pending events awaiting VDF computation",
			},
		),

		VdfDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toll_vdf_compute_duration_seconds",
				Help:    "Time to compute one VDF link",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		AnchorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toll_anchors_total",
				Help: "Anchor batches by final status",
			},
			[]string{"status"}, // SENT, FAILED
		),

		AnchorQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "toll_anchor_queue_size",
				Help: "Anchor batches waiting for ledger submission",
			},
		),

		AnchorAttempts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "toll_anchor_attempts_total",
				Help: "Ledger submission attempts including retries",
			},
		),
	}
}

// All record helpers are nil-safe so components can run uninstrumented
// in tests.

// RecordIngest records one ingest outcome with its handling duration.
func (m *Metrics) RecordIngest(accepted bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRejection counts a rejection code.
func (m *Metrics) RecordRejection(code string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(code).Inc()
}

// RecordDecision counts a fused verdict and its contributing flags.
func (m *Metrics) RecordDecision(decision string, flags []string) {
	if m == nil {
		return
	}
	m.DecisionTotal.WithLabelValues(decision).Inc()
	for _, f := range flags {
		m.FraudFlags.WithLabelValues(f).Inc()
	}
}

// UpdateReader refreshes the per-reader gauges after a trust change.
func (m *Metrics) UpdateReader(readerID string, score int, status string) {
	if m == nil {
		return
	}
	m.ReaderTrustScore.WithLabelValues(readerID).Set(float64(score))
	for _, s := range []string{"ACTIVE", "DEGRADED", "SUSPENDED", "QUARANTINED", "PROBATION"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		m.ReaderStatus.WithLabelValues(readerID, s).Set(v)
	}
}

// RecordViolation counts one trust violation.
func (m *Metrics) RecordViolation(violation string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(violation).Inc()
}

// SetChainHeight refreshes the chain head gauge.
func (m *Metrics) SetChainHeight(seq uint64) {
	if m == nil {
		return
	}
	m.ChainHeight.Set(float64(seq))
}

// SetVdfQueueDepth refreshes the pending-VDF gauge.
func (m *Metrics) SetVdfQueueDepth(n int) {
	if m == nil {
		return
	}
	m.VdfQueueDepth.Set(float64(n))
}

// ObserveVdf records one link computation time.
func (m *Metrics) ObserveVdf(seconds float64) {
	if m == nil {
		return
	}
	m.VdfDuration.Observe(seconds)
}

// RecordAnchor counts one anchor reaching a terminal status.
func (m *Metrics) RecordAnchor(status string) {
	if m == nil {
		return
	}
	m.AnchorsTotal.WithLabelValues(status).Inc()
}

// SetAnchorQueueSize refreshes the pending-anchor gauge.
func (m *Metrics) SetAnchorQueueSize(n int) {
	if m == nil {
		return
	}
	m.AnchorQueueSize.Set(float64(n))
}

// RecordAnchorAttempt counts one ledger submission attempt.
func (m *Metrics) RecordAnchorAttempt() {
	if m == nil {
		return
	}
	m.AnchorAttempts.Inc()
}

// SetActiveQuarantines refreshes the active quarantine gauge.
func (m *Metrics) SetActiveQuarantines(n int) {
	if m == nil {
		return
	}
	m.QuarantinesActive.Set(float64(n))
}
