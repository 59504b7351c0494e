// Package metrics exposes Prometheus instruments for the sync engine.
//
// Metrics are only collected in process and served on demand; nothing is
// pushed anywhere. Labels never carry user ids or payload content.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mindharbor_sync"

// Recorder holds the sync instruments. A nil *Recorder records nothing.
type Recorder struct {
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	items        *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	backoff      prometheus.Histogram
	queueDepth   *prometheus.GaugeVec
	batchBytes   *prometheus.HistogramVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Sync passes by strategy and final session status",
		}, []string{"strategy", "status"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Sync pass duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"strategy"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Upload outcomes by item type and outcome",
		}, []string{"item_type", "outcome"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Resolved conflicts by strategy and winner",
		}, []string{"strategy", "winner"}),
		backoff: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Retry delays handed to the backoff scheduler",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_items",
			Help:      "Items in the offline queue by status",
		}, []string{"status"}),
		batchBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_bytes",
			Help:      "Encoded record size sent to the remote store",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}, []string{"encoding"}),
	}
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns a Recorder registered with the default registry.
func Default() *Recorder {
	defaultOnce.Do(func() {
		defaultRecorder = New(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// Pass records a finished sync pass.
func (r *Recorder) Pass(strategy, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.passes.WithLabelValues(strategy, status).Inc()
	r.passDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// Item records the outcome of one item upload.
func (r *Recorder) Item(itemType, outcome string) {
	if r == nil {
		return
	}
	r.items.WithLabelValues(itemType, outcome).Inc()
}

// Conflict records a resolved conflict.
func (r *Recorder) Conflict(strategy, winner string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(strategy, winner).Inc()
}

// Backoff records a retry delay.
func (r *Recorder) Backoff(d time.Duration) {
	if r == nil {
		return
	}
	r.backoff.Observe(d.Seconds())
}

// QueueDepth sets the per-status item counts.
func (r *Recorder) QueueDepth(byStatus map[string]int) {
	if r == nil {
		return
	}
	for status, n := range byStatus {
		r.queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// RecordSize records the encoded size of an uploaded record.
func (r *Recorder) RecordSize(encoding string, n int) {
	if r == nil {
		return
	}
	r.batchBytes.WithLabelValues(encoding).Observe(float64(n))
}
