// Package metrics holds the Prometheus collectors and adapts them to the
// observer interfaces of the domain packages.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "attendguard"

type Metrics struct {
	SubmissionsAccepted *prometheus.CounterVec
	SubmissionsRejected *prometheus.CounterVec
	SuspicionScore      prometheus.Histogram
	SubmissionSeconds   prometheus.Histogram

	ReplayStaleCleared prometheus.Counter
	ReplayCacheErrors  *prometheus.CounterVec
	ReplayDuplicates   prometheus.Counter

	ThrottleBlocks *prometheus.CounterVec

	AuditEnqueuedTotal prometheus.Counter
	AuditDroppedTotal  prometheus.Counter

	HTTPRequests *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubmissionsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_accepted_total",
			Help:      "Attendance submissions committed, by record status",
		}, []string{"status"}),
		SubmissionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_rejected_total",
			Help:      "Attendance submissions rejected, by code and class",
		}, []string{"code", "class"}),
		SuspicionScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "suspicion_score",
			Help:      "Suspicion score of committed records",
			Buckets:   []float64{0, 10, 25, 50, 75, 100},
		}),
		SubmissionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_duration_seconds",
			Help:      "Time spent validating one submission",
			Buckets:   prometheus.DefBuckets,
		}),
		ReplayStaleCleared: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_stale_cache_cleared_total",
			Help:      "Cache markers cleared because the durable store had no record",
		}),
		ReplayCacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_cache_errors_total",
			Help:      "Replay cache operations that failed, by operation",
		}, []string{"op"}),
		ReplayDuplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_durable_duplicates_total",
			Help:      "Inserts rejected by the unique constraint",
		}),
		ThrottleBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_blocks_total",
			Help:      "Throttle blocks applied, by rule",
		}, []string{"rule"}),
		AuditEnqueuedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_enqueued_total",
			Help:      "Audit events handed to the queue",
		}),
		AuditDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit events that could not be queued",
		}),
		HTTPRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) SubmissionAccepted(status string, score int) {
	m.SubmissionsAccepted.WithLabelValues(status).Inc()
	m.SuspicionScore.Observe(float64(score))
}

func (m *Metrics) SubmissionRejected(code, class string) {
	m.SubmissionsRejected.WithLabelValues(code, class).Inc()
}

func (m *Metrics) SubmissionDuration(d time.Duration) {
	m.SubmissionSeconds.Observe(d.Seconds())
}

func (m *Metrics) StaleCacheCleared()    { m.ReplayStaleCleared.Inc() }
func (m *Metrics) CacheError(op string) { m.ReplayCacheErrors.WithLabelValues(op).Inc() }
func (m *Metrics) DurableDuplicate()    { m.ReplayDuplicates.Inc() }

func (m *Metrics) ThrottleBlocked(rule string) { m.ThrottleBlocks.WithLabelValues(rule).Inc() }

func (m *Metrics) AuditEnqueued() { m.AuditEnqueuedTotal.Inc() }
func (m *Metrics) AuditDropped()  { m.AuditDroppedTotal.Inc() }

// GinMiddleware observes request latency under the matched route pattern.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
