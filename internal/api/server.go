package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"billing-collections/internal/config"
	"billing-collections/internal/models"
	"billing-collections/internal/ratelimit"
	"billing-collections/internal/runner"
	"billing-collections/internal/telemetry"
)

// Jobs is the trigger surface the API exposes over HTTP. The production
// implementation is *runner.Runner.
type Jobs interface {
	RunAnchor(ctx context.Context, p runner.TriggerParams) (runner.Result, error)
	RunPrepareBatch(ctx context.Context, p runner.TriggerParams) (runner.Result, error)
	RunExportBatch(ctx context.Context, p runner.TriggerParams) (runner.Result, error)
	RunFallbackCreate(ctx context.Context, p runner.TriggerParams) (runner.Result, error)
	RunFallbackSync(ctx context.Context, p runner.TriggerParams) (runner.Result, error)
	RunCronTick(ctx context.Context) runner.CronTickResult
	ListRecentRuns(ctx context.Context, limit int) ([]models.JobRun, error)
}

// Server wires HTTP handlers for the collections trigger API.
type Server struct {
	cfg     config.Config
	jobs    Jobs
	limiter *ratelimit.TriggerLimiter
}

// New constructs the API server.
func New(cfg config.Config, jobs Jobs, limiter *ratelimit.TriggerLimiter) *Server {
	return &Server{
		cfg:     cfg,
		jobs:    jobs,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/collections/anchor", s.trigger(s.jobs.RunAnchor))
	r.Post("/collections/prepare-batch", s.trigger(s.jobs.RunPrepareBatch))
	r.Post("/collections/export-batch", s.trigger(s.jobs.RunExportBatch))
	r.Post("/collections/fallback/create", s.trigger(s.jobs.RunFallbackCreate))
	r.Post("/collections/fallback/sync", s.trigger(s.jobs.RunFallbackSync))
	r.Post("/collections/cron-tick", s.handleCronTick)
	r.Get("/collections/runs", s.handleListRuns)
	return r
}

// trigger adapts one job kind into a rate-limited manual trigger handler.
func (s *Server) trigger(run func(context.Context, runner.TriggerParams) (runner.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p runner.TriggerParams
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
		if p.TargetDateAR != "" {
			if _, err := time.Parse("2006-01-02", p.TargetDateAR); err != nil {
				http.Error(w, "target_date_ar must be YYYY-MM-DD", http.StatusBadRequest)
				return
			}
		}
		p.Source = models.SourceManual
		p.ActorUserID = actorFromRequest(r)

		if s.limiter != nil {
			allowed, _, err := s.limiter.AllowTrigger(r.Context(), p.ActorUserID)
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}

		res, err := run(r.Context(), p)
		if err != nil && res.Status == "" {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		code := http.StatusOK
		if res.Status == models.StatusFailed {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, res)
	}
}

func (s *Server) handleCronTick(w http.ResponseWriter, r *http.Request) {
	tick := s.jobs.RunCronTick(r.Context())
	writeJSON(w, http.StatusOK, tick)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1..500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.jobs.ListRecentRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read run ledger", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		return v
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
