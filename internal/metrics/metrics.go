// Package metrics exposes the supervisor's Prometheus series and implements
// internal/scheduler.Recorder, grounded on the teacher's internal/metrics
// package (same NewHistogram/NewCounterVec + promhttp wiring,
// renamed from worker/HTTP series to the tick/admission/dispatch series
// SPEC_FULL.md §2 names).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TickDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flowctl",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one scheduler tick (rediscover, reconcile, place, harvest, cleanup).",
		Buckets:   prometheus.DefBuckets,
	})

	RunsDispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowctl",
		Name:      "runs_dispatched_total",
		Help:      "Total flow-runs handed to the worker pool.",
	})

	TaskAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowctl",
		Name:      "task_attempts_total",
		Help:      "Total task-run attempts, by outcome.",
	}, []string{"outcome"})

	AdmissionRefusedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowctl",
		Name:      "admission_refused_total",
		Help:      "Total schedule placements refused, by FlowScheduleStatus.",
	}, []string{"status"})

	CronMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowctl",
		Name:      "cron_misses_total",
		Help:      "Total times the resolver found no future fire time within a flow's window.",
	})

	MirrorFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowctl",
		Name:      "mirror_failures_total",
		Help:      "Total log-database mirror writes that failed after their operational commit succeeded.",
	})
)

func Register() {
	prometheus.MustRegister(
		TickDurationSeconds,
		RunsDispatchedTotal,
		TaskAttemptsTotal,
		AdmissionRefusedTotal,
		CronMissesTotal,
		MirrorFailuresTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

// Recorder adapts the package's global series to internal/scheduler.Recorder.
type Recorder struct{}

func (Recorder) TickDuration(d time.Duration) { TickDurationSeconds.Observe(d.Seconds()) }
func (Recorder) RunDispatched()               { RunsDispatchedTotal.Inc() }
func (Recorder) TaskAttempt(ok bool) {
	outcome := "failed"
	if ok {
		outcome = "done"
	}
	TaskAttemptsTotal.WithLabelValues(outcome).Inc()
}
func (Recorder) AdmissionRefused(status string) { AdmissionRefusedTotal.WithLabelValues(status).Inc() }
func (Recorder) CronMiss()                      { CronMissesTotal.Inc() }
func (Recorder) MirrorFailure()                 { MirrorFailuresTotal.Inc() }
