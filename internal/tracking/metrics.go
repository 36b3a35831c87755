package tracking

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/drsammd/safeplay-staging-sub008/internal/models"
)

// Metrics 追踪服务指标（nil 安全，未配置时所有方法为空操作）
type Metrics struct {
	observations   *prometheus.CounterVec
	invalid        prometheus.Counter
	checkouts      *prometheus.CounterVec
	persistDropped prometheus.Counter
	reconcile      prometheus.Histogram
}

// NewMetrics 在 reg 上注册追踪指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		observations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safeplay",
			Subsystem: "tracking",
			Name:      "observations_total",
			Help:      "Reconciled location observations by source and outcome.",
		}, []string{"source", "outcome"}),
		invalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: "safeplay",
			Subsystem: "tracking",
			Name:      "invalid_observations_total",
			Help:      "Observations rejected by ingest validation.",
		}),
		checkouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safeplay",
			Subsystem: "tracking",
			Name:      "checkouts_total",
			Help:      "Check-out requests by whether state changed.",
		}, []string{"changed"}),
		persistDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "safeplay",
			Subsystem: "tracking",
			Name:      "persist_dropped_total",
			Help:      "State changes dropped because the write-behind queue was full.",
		}),
		reconcile: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "safeplay",
			Subsystem: "tracking",
			Name:      "reconcile_seconds",
			Help:      "Time spent reconciling one observation, including store access.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) RecordObservation(source models.SourceKind, outcome models.Outcome) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(string(source), string(outcome)).Inc()
}

func (m *Metrics) RecordInvalid() {
	if m == nil {
		return
	}
	m.invalid.Inc()
}

func (m *Metrics) RecordCheckOut(changed bool) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

func (m *Metrics) RecordPersistDropped() {
	if m == nil {
		return
	}
	m.persistDropped.Inc()
}

func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcile.Observe(d.Seconds())
}
