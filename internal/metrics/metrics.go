// Package metrics exposes the daemon's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cta"

// Registry holds every metric of this package.
var Registry = prometheus.NewRegistry()

var (
	serverInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Build and backend information.",
	}, []string{"version", "backend"})

	gcPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "passes_total",
		Help:      "Garbage collector passes by outcome.",
	}, []string{"outcome"})

	gcWatchedAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "watched_agents",
		Help:      "Agents currently watched by this collector.",
	})

	gcCleanedAgents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "dead_agents_cleaned_total",
		Help:      "Dead agents whose objects were recovered.",
	})

	gcObjects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "objects_recovered_total",
		Help:      "Objects recovered from dead agents.",
	})

	cleanupPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue_cleanup",
		Name:      "passes_total",
		Help:      "Queue cleanup passes by outcome.",
	}, []string{"outcome"})

	cleanupJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue_cleanup",
		Name:      "jobs_total",
		Help:      "Retrieve jobs handled by the queue cleanup, by result.",
	}, []string{"result"})

	cleanupFlagged = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue_cleanup",
		Name:      "flagged_queues",
		Help:      "Retrieve queues flagged for cleanup at the last pass.",
	})

	passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pass_duration_seconds",
		Help:      "Duration of maintenance passes.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})

	tapeStateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tape_state_changes_total",
		Help:      "Accepted tape state changes by resulting state.",
	}, []string{"state"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Admin HTTP requests by method and status.",
	}, []string{"method", "status"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		serverInfo,
		gcPasses, gcWatchedAgents, gcCleanedAgents, gcObjects,
		cleanupPasses, cleanupJobs, cleanupFlagged,
		passDuration,
		tapeStateChanges,
		httpRequests,
	)
}

// Init records the server info metric.
func Init(version, backend string) {
	serverInfo.WithLabelValues(version, backend).Set(1)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// GCPass records one garbage collector pass.
func GCPass(watched, cleaned, objects int, d time.Duration, err error) {
	gcPasses.WithLabelValues(outcome(err)).Inc()
	gcWatchedAgents.Set(float64(watched))
	gcCleanedAgents.Add(float64(cleaned))
	gcObjects.Add(float64(objects))
	passDuration.WithLabelValues("gc").Observe(d.Seconds())
}

// CleanupPass records one queue cleanup pass.
func CleanupPass(flagged, requeued, failed int, d time.Duration, err error) {
	cleanupPasses.WithLabelValues(outcome(err)).Inc()
	cleanupFlagged.Set(float64(flagged))
	cleanupJobs.WithLabelValues("requeued").Add(float64(requeued))
	cleanupJobs.WithLabelValues("failed").Add(float64(failed))
	passDuration.WithLabelValues("queue_cleanup").Observe(d.Seconds())
}

// TapeStateChanged counts an accepted tape state change.
func TapeStateChanged(state string) {
	tapeStateChanges.WithLabelValues(state).Inc()
}

// HTTPRequest counts one admin HTTP request.
func HTTPRequest(method string, status int) {
	httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
