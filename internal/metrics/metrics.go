// Package metrics holds the Prometheus collectors of the admission pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the admission pipeline
type Metrics struct {
	// Admission metrics
	Admissions    prometheus.Counter
	Rejections    *prometheus.CounterVec
	MessageSize   prometheus.Histogram
	AdmissionTime prometheus.Histogram

	// Quota metrics
	QuotaMatches    *prometheus.CounterVec
	QuotaRejections *prometheus.CounterVec
	QuotaBuckets    prometheus.Gauge
	ReservedMsgs    prometheus.Gauge
	ReservedBytes   prometheus.Gauge

	// SMTP metrics
	ActiveSessions prometheus.Gauge
	TotalSessions  prometheus.Counter

	// Queue metrics
	QueueSize      prometheus.Gauge
	QueueCompleted *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		Admissions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailgate_admissions_total",
			Help: "Messages admitted to the queue",
		}),
		Rejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_rejections_total",
			Help: "Messages rejected during DATA, by reason",
		}, []string{"reason"}),
		MessageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailgate_message_size_bytes",
			Help:    "Size of messages reaching the admission pipeline",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		AdmissionTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailgate_admission_duration_seconds",
			Help:    "Time spent deciding admission of a message",
			Buckets: prometheus.DefBuckets,
		}),

		QuotaMatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_quota_matches_total",
			Help: "Quota definitions that matched a message",
		}, []string{"quota"}),
		QuotaRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_quota_rejections_total",
			Help: "Messages rejected because a quota ceiling would be exceeded",
		}, []string{"quota", "limit"}),
		QuotaBuckets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_quota_buckets",
			Help: "Quota buckets currently held in memory",
		}),
		ReservedMsgs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_quota_reserved_messages",
			Help: "Message units currently reserved across all buckets",
		}),
		ReservedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_quota_reserved_bytes",
			Help: "Bytes currently reserved across all buckets",
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_smtp_sessions_active",
			Help: "SMTP sessions currently open",
		}),
		TotalSessions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailgate_smtp_sessions_total",
			Help: "SMTP sessions opened since start",
		}),

		QueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_queue_size",
			Help: "Messages currently held in the queue",
		}),
		QueueCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_queue_completed_total",
			Help: "Queued messages released, by reason",
		}, []string{"reason"}),
		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_store_errors_total",
			Help: "Queue store operations that failed",
		}, []string{"op"}),
	}
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
