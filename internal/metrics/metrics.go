// Package metrics provides Prometheus metrics for the mirror.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tweets2bsky"

var (
	// DeliveriesTotal counts terminal item outcomes by account and status
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deliveries_total",
			Help:      "Items recorded in the delivery store by status",
		},
		[]string{"account", "status"},
	)

	// DeferredItemsTotal counts items left unrecorded for the next cycle
	DeferredItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "deferred_items_total",
			Help:      "Items whose first post failed transiently and will be retried next cycle",
		},
		[]string{"account"},
	)

	// PostsTotal counts destination posts created, one per chunk
	PostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "destination",
			Name:      "posts_total",
			Help:      "Destination posts created",
		},
		[]string{"account"},
	)

	// MediaFallbacksTotal counts attachments replaced by a link in the post text
	MediaFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "fallback_links_total",
			Help:      "Media attachments degraded to a text link",
		},
		[]string{"account"},
	)

	// AccountRejectionsTotal counts operations the destination refused for account state
	AccountRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "destination",
			Name:      "account_rejections_total",
			Help:      "Operations rejected because of the destination account's state",
		},
		[]string{"account"},
	)

	// TaskDuration tracks scheduler task duration in seconds
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Duration of scheduler tasks in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind"},
	)

	// TaskOutcomesTotal counts finished scheduler tasks by kind and outcome
	TaskOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Scheduler tasks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// TasksInFlight tracks running account tasks
	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_in_flight",
			Help:      "Account tasks currently running",
		},
	)

	// PendingBackfills tracks the backfill queue length
	PendingBackfills = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending_backfills",
			Help:      "Backfills waiting in the queue",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Status API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RouteFunc names the route pattern of a request for metric labels. It keeps
// path parameters out of the label set.
type RouteFunc func(r *http.Request) string

// Middleware records request counts and durations.
func Middleware(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			name := route(r)
			if name == "" {
				name = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(sw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
