package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_runs_total", Help: "Job runs by job name and terminal status"},
		[]string{"job", "status"},
	)
	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_lock_contention_total", Help: "Trigger attempts denied by a held lock"},
		[]string{"job"},
	)
	RunningGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "collections_runs_running", Help: "Job runs currently in RUNNING state"},
	)
	RateLimitRejects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "collections_rate_limit_rejects_total", Help: "Manual triggers rejected by the rate limiter"},
	)
	CronTicks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "collections_cron_ticks_total", Help: "Cron dispatcher ticks"},
	)
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsCompleted,
			LockContention,
			RunningGauge,
			RateLimitRejects,
			CronTicks,
		)
	})
	return promhttp.Handler()
}
