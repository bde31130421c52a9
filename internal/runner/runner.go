// Package runner orchestrates the recurring collection jobs: subscription
// anchoring, presentment batch preparation/export, and fallback intent
// lifecycle. Every job runs under a named TTL lock and leaves a ledger
// row, so overlapping manual and cron triggers stay exactly-once
// effective despite at-least-once execution.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"billing-collections/internal/billing"
	"billing-collections/internal/calendar"
	"billing-collections/internal/config"
	"billing-collections/internal/models"
	"billing-collections/internal/rollout"
	"billing-collections/internal/store"
	"billing-collections/internal/telemetry"
)

// Store is the persistence surface the runner needs. The production
// implementation is the pgx store; tests use an in-memory double behind
// the same contract.
type Store interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration, runID string, metadata map[string]any) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, runID string) error
	StartRun(ctx context.Context, p store.StartRunParams) (models.JobRun, error)
	FinishRun(ctx context.Context, run models.JobRun, status string, counters models.Counters, errMessage, errStack *string) (models.JobRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]models.JobRun, error)
	ActiveAgencyIDs(ctx context.Context) ([]string, error)
	AgencyRollouts(ctx context.Context, agencyIDs []string) (map[string]models.AgencyRollout, bool, error)
}

// Operations are the domain collection operations. They are themselves
// idempotent per scope/date; the runner surfaces their skip counters but
// does not re-implement idempotency.
type Operations interface {
	AnchorBillingCycles(ctx context.Context, dateAR string, agencyIDs []string, dryRun bool) (billing.AnchorResult, error)
	PreparePresentmentBatch(ctx context.Context, p billing.PrepareParams) (billing.PrepareResult, error)
	ExportPendingBatches(ctx context.Context, p billing.ExportParams) (billing.ExportResult, error)
	CreateFallbackIntents(ctx context.Context, p billing.FallbackCreateParams) (billing.FallbackCreateResult, error)
	SyncFallbackStatuses(ctx context.Context, p billing.FallbackSyncParams) (billing.FallbackSyncResult, error)
}

// TriggerParams is the public trigger surface for every job kind.
type TriggerParams struct {
	Source       string `json:"source"`
	TargetDateAR string `json:"target_date_ar,omitempty"`
	Adapter      string `json:"adapter,omitempty"`
	Provider     string `json:"provider,omitempty"`
	ActorUserID  string `json:"actor_user_id,omitempty"`
	Force        bool   `json:"force,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	BatchID      string `json:"batch_id,omitempty"`
}

// Result is the terminal outcome of one trigger.
type Result struct {
	Status       string          `json:"status"`
	JobName      string          `json:"job_name"`
	RunID        string          `json:"run_id,omitempty"`
	TargetDateAR string          `json:"target_date_ar,omitempty"`
	Counters     models.Counters `json:"counters"`
	BatchID      string          `json:"batch_id,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// CronTickResult aggregates one dispatcher pass. Sub-results are nil when
// the global enable flag is off; disabled ticks perform zero lock or
// ledger writes.
type CronTickResult struct {
	Enabled        bool    `json:"enabled"`
	RunAnchor      *Result `json:"run_anchor"`
	PrepareBatch   *Result `json:"prepare_batch"`
	ExportBatch    *Result `json:"export_batch"`
	FallbackCreate *Result `json:"fallback_create"`
	FallbackSync   *Result `json:"fallback_sync"`
}

// Runner composes the lock manager, run ledger, calendar, rollout
// resolution and domain operations into the five job kinds.
type Runner struct {
	store    Store
	ops      Operations
	cfg      config.Config
	cal      *calendar.Calendar
	resolver rollout.Resolver
	log      *zap.SugaredLogger
	now      func() time.Time
}

// New builds a runner over the given collaborators.
func New(st Store, ops Operations, cfg config.Config, cal *calendar.Calendar, log *zap.SugaredLogger) *Runner {
	return &Runner{
		store: st,
		ops:   ops,
		cfg:   cfg,
		cal:   cal,
		resolver: rollout.Resolver{
			RequireAgencyFlag: cfg.RequireAgencyFlag,
			DefaultProvider:   cfg.FallbackProvider,
			DefaultAutoSync:   cfg.FallbackAutoSync,
		},
		log: log,
		now: time.Now,
	}
}

// WithClock overrides the runner's clock; tests only.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// outcome is what a job body reports back to the shared template.
type outcome struct {
	status   string
	counters models.Counters
	batchID  string
}

// run is the shared execution template: resolve the target date, apply
// CRON deferrals, acquire the lock, open the ledger row, execute the
// body, finish with a terminal status, and always release the lock.
func (r *Runner) run(ctx context.Context, p TriggerParams, jobName, scope string, exportJob bool,
	body func(ctx context.Context, dateAR string) (outcome, error)) (Result, error) {

	dateAR, err := r.resolveTargetDate(p.TargetDateAR)
	if err != nil {
		return Result{}, err
	}

	// CRON respects the operating window; MANUAL and SYSTEM bypass it so
	// an operator can force a run.
	if p.Source == models.SourceCron {
		if deferred, ok := r.cronDeferral(jobName, dateAR, exportJob); ok {
			return deferred, nil
		}
	}

	runID := uuid.New().String()
	lockKey := fmt.Sprintf("%s:%s:%s", jobName, scope, dateAR)
	acquired, err := r.store.AcquireLock(ctx, lockKey, r.cfg.LockTTL, runID, map[string]any{
		"source": p.Source,
		"job":    jobName,
	})
	if err != nil {
		// Lock infrastructure failure: no run was ever opened.
		return Result{}, errors.Wrapf(err, "acquire lock %s", lockKey)
	}
	if !acquired {
		telemetry.LockContention.WithLabelValues(jobName).Inc()
		r.log.Infow("job skipped, lock held elsewhere",
			"job", jobName,
			"lock_key", lockKey,
			"source", p.Source)
		return Result{
			Status:       models.StatusSkippedLocked,
			JobName:      jobName,
			TargetDateAR: dateAR,
			Counters:     models.Counters{},
		}, nil
	}
	// Release must happen even if the request context is gone.
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if relErr := r.store.ReleaseLock(releaseCtx, lockKey, runID); relErr != nil {
			r.log.Errorw("lock release failed", "lock_key", lockKey, "error", relErr)
		}
	}()

	metadata := map[string]any{"lock_key": lockKey}
	if p.DryRun {
		metadata["dry_run"] = true
	}
	if p.Force {
		metadata["force"] = true
	}
	run, err := r.store.StartRun(ctx, store.StartRunParams{
		JobName:      jobName,
		RunID:        runID,
		Source:       p.Source,
		TargetDateAR: &dateAR,
		Adapter:      strPtr(scope),
		Metadata:     metadata,
		CreatedBy:    strPtr(p.ActorUserID),
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "open job run")
	}
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	out, bodyErr := runGuarded(ctx, dateAR, body)
	if bodyErr != nil {
		msg := bodyErr.Error()
		stack := fmt.Sprintf("%+v", bodyErr)
		if _, finErr := r.store.FinishRun(releaseCtx, run, models.StatusFailed, out.counters, &msg, &stack); finErr != nil {
			r.log.Errorw("failed to record job failure", "run_id", runID, "error", finErr)
		}
		telemetry.RunsCompleted.WithLabelValues(jobName, models.StatusFailed).Inc()
		r.log.Errorw("job failed",
			"job", jobName,
			"run_id", runID,
			"target_date_ar", dateAR,
			"error", bodyErr)
		return Result{
			Status:       models.StatusFailed,
			JobName:      jobName,
			RunID:        runID,
			TargetDateAR: dateAR,
			Counters:     out.counters,
			Error:        msg,
		}, bodyErr
	}

	if _, err := r.store.FinishRun(ctx, run, out.status, out.counters, nil, nil); err != nil {
		return Result{}, errors.Wrap(err, "finish job run")
	}
	telemetry.RunsCompleted.WithLabelValues(jobName, out.status).Inc()
	r.log.Infow("job finished",
		"job", jobName,
		"run_id", runID,
		"status", out.status,
		"target_date_ar", dateAR,
		"duration_ms", time.Since(run.StartedAt).Milliseconds())
	return Result{
		Status:       out.status,
		JobName:      jobName,
		RunID:        runID,
		TargetDateAR: dateAR,
		Counters:     out.counters,
		BatchID:      out.batchID,
	}, nil
}

// runGuarded executes the body, converting a panic into a FAILED error
// with its stack intact.
func runGuarded(ctx context.Context, dateAR string, body func(context.Context, string) (outcome, error)) (out outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("panic in job body: %v", rec)
		}
		if out.counters == nil {
			out.counters = models.Counters{}
		}
	}()
	out, err = body(ctx, dateAR)
	return out, err
}

func (r *Runner) resolveTargetDate(explicit string) (string, error) {
	if explicit == "" {
		return r.cal.DateKey(r.now()), nil
	}
	if _, err := r.cal.ParseDateKey(explicit); err != nil {
		return "", err
	}
	return explicit, nil
}

// cronDeferral applies the automatic-window rules: non-business target
// dates defer every job, and export jobs additionally defer at or past
// the cutoff hour. Deferrals never touch the lock or the ledger.
func (r *Runner) cronDeferral(jobName, dateAR string, exportJob bool) (Result, bool) {
	if r.cfg.BusinessDaysOnly {
		day, err := r.cal.ParseDateKey(dateAR)
		if err == nil && !r.cal.IsBusinessDay(day) {
			return Result{
				Status:       models.StatusNoOp,
				JobName:      jobName,
				TargetDateAR: dateAR,
				Counters:     models.Counters{"skipped_non_business_day": 1},
			}, true
		}
	}
	if exportJob {
		if cutoff := rollout.ResolveCutoffHour(models.AgencyRollout{}, r.cfg.ExportCutoffHour); cutoff != nil {
			if r.cal.LocalHour(r.now()) >= *cutoff {
				return Result{
					Status:       models.StatusNoOp,
					JobName:      jobName,
					TargetDateAR: dateAR,
					Counters:     models.Counters{"deferred_by_cutoff": 1},
				}, true
			}
		}
	}
	return Result{}, false
}

// partitionAgencies loads active agencies, resolves their rollout flags
// and splits them by the job's predicate. The skipped set includes
// suspended agencies.
func (r *Runner) partitionAgencies(ctx context.Context, predicate func(models.AgencyRollout) bool) (processed []string, considered int, err error) {
	ids, err := r.store.ActiveAgencyIDs(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load active agencies")
	}
	rows, available, err := r.store.AgencyRollouts(ctx, ids)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load agency rollouts")
	}
	resolved := r.resolver.Resolve(ids, rows, available)
	for _, id := range ids {
		if predicate(resolved[id]) {
			processed = append(processed, id)
		}
	}
	return processed, len(ids), nil
}

func agencyCounters(c models.Counters, considered int, processed []string) {
	c["agencies_considered"] = considered
	c["agencies_processed"] = len(processed)
	c["agencies_skipped_disabled"] = considered - len(processed)
}

// RunAnchor advances billing cycles for subscriptions whose anchor date
// has arrived, per pd-enabled agency.
func (r *Runner) RunAnchor(ctx context.Context, p TriggerParams) (Result, error) {
	return r.run(ctx, p, models.JobAnchor, "core", false, func(ctx context.Context, dateAR string) (outcome, error) {
		processed, considered, err := r.partitionAgencies(ctx, rollout.EnabledForPdAutomation)
		if err != nil {
			return outcome{}, err
		}
		res, err := r.ops.AnchorBillingCycles(ctx, dateAR, processed, p.DryRun)
		counters := res.Counters()
		agencyCounters(counters, considered, processed)
		if err != nil {
			return outcome{counters: counters}, err
		}
		return outcome{status: models.StatusSuccess, counters: counters}, nil
	})
}

// RunPrepareBatch builds the presentment batch of due charges for one
// direct-debit adapter and date.
func (r *Runner) RunPrepareBatch(ctx context.Context, p TriggerParams) (Result, error) {
	adapter := p.Adapter
	if adapter == "" {
		adapter = r.cfg.DefaultAdapter
	}
	return r.run(ctx, p, models.JobPrepareBatch, adapter, false, func(ctx context.Context, dateAR string) (outcome, error) {
		pdAgencies, considered, err := r.partitionAgencies(ctx, rollout.EnabledForPdAutomation)
		if err != nil {
			return outcome{}, err
		}
		dunningAgencies, _, err := r.partitionAgencies(ctx, rollout.EnabledForDunning)
		if err != nil {
			return outcome{}, err
		}
		res, err := r.ops.PreparePresentmentBatch(ctx, billing.PrepareParams{
			Adapter:         adapter,
			DateAR:          dateAR,
			Force:           p.Force,
			DryRun:          p.DryRun,
			PdAgencies:      pdAgencies,
			DunningAgencies: dunningAgencies,
		})
		counters := res.Counters()
		agencyCounters(counters, considered, pdAgencies)
		if err != nil {
			return outcome{counters: counters}, err
		}
		status := models.StatusSuccess
		if res.NoOp {
			status = models.StatusNoOp
		}
		return outcome{status: status, counters: counters, batchID: res.BatchID}, nil
	})
}

// RunExportBatch delivers prepared batches to the downstream rail.
func (r *Runner) RunExportBatch(ctx context.Context, p TriggerParams) (Result, error) {
	adapter := p.Adapter
	if adapter == "" {
		adapter = r.cfg.DefaultAdapter
	}
	return r.run(ctx, p, models.JobExportBatch, adapter, true, func(ctx context.Context, dateAR string) (outcome, error) {
		res, err := r.ops.ExportPendingBatches(ctx, billing.ExportParams{
			Adapter: adapter,
			DateAR:  dateAR,
			BatchID: p.BatchID,
		})
		counters := res.Counters()
		if err != nil {
			return outcome{counters: counters}, err
		}
		status := models.StatusSuccess
		switch {
		case res.NoOp:
			status = models.StatusNoOp
		case res.Partial():
			status = models.StatusPartial
		}
		return outcome{status: status, counters: counters, batchID: p.BatchID}, nil
	})
}

// RunFallbackCreate opens fallback payment intents for failed charges in
// fallback-enabled agencies.
func (r *Runner) RunFallbackCreate(ctx context.Context, p TriggerParams) (Result, error) {
	provider := p.Provider
	if provider == "" {
		provider = r.cfg.FallbackProvider
	}
	return r.run(ctx, p, models.JobFallbackCreate, provider, false, func(ctx context.Context, dateAR string) (outcome, error) {
		processed, considered, err := r.partitionAgencies(ctx, rollout.EnabledForFallback)
		if err != nil {
			return outcome{}, err
		}
		res, err := r.ops.CreateFallbackIntents(ctx, billing.FallbackCreateParams{
			Provider:  provider,
			DateAR:    dateAR,
			AgencyIDs: processed,
			DryRun:    p.DryRun,
		})
		counters := res.Counters()
		agencyCounters(counters, considered, processed)
		if err != nil {
			return outcome{counters: counters}, err
		}
		status := models.StatusSuccess
		switch {
		case res.ProviderMissing:
			status = models.StatusNoOp
		case res.Partial():
			status = models.StatusPartial
		}
		return outcome{status: status, counters: counters}, nil
	})
}

// RunFallbackSync reconciles fallback intent statuses with the provider.
// Under CRON only auto-sync-enabled agencies participate; a manual
// trigger syncs every fallback-enabled agency.
func (r *Runner) RunFallbackSync(ctx context.Context, p TriggerParams) (Result, error) {
	provider := p.Provider
	if provider == "" {
		provider = r.cfg.FallbackProvider
	}
	predicate := rollout.EnabledForFallback
	if p.Source == models.SourceCron {
		predicate = rollout.CanAutoSyncFallback
	}
	return r.run(ctx, p, models.JobFallbackSync, provider, false, func(ctx context.Context, dateAR string) (outcome, error) {
		processed, considered, err := r.partitionAgencies(ctx, predicate)
		if err != nil {
			return outcome{}, err
		}
		res, err := r.ops.SyncFallbackStatuses(ctx, billing.FallbackSyncParams{
			Provider:  provider,
			AgencyIDs: processed,
			DryRun:    p.DryRun,
		})
		counters := res.Counters()
		agencyCounters(counters, considered, processed)
		if err != nil {
			return outcome{counters: counters}, err
		}
		status := models.StatusSuccess
		switch {
		case res.ProviderMissing:
			status = models.StatusNoOp
		case res.Partial():
			status = models.StatusPartial
		}
		return outcome{status: status, counters: counters}, nil
	})
}

// ListRecentRuns exposes the ledger for operational inspection.
func (r *Runner) ListRecentRuns(ctx context.Context, limit int) ([]models.JobRun, error) {
	return r.store.ListRecentRuns(ctx, limit)
}

// RunCronTick sequences the collection jobs for the current operational
// date. A disabled flag short-circuits with nil sub-results; individual
// job failures are swallowed into their sub-result so a tick never raises.
func (r *Runner) RunCronTick(ctx context.Context) CronTickResult {
	if !r.cfg.JobsEnabled {
		return CronTickResult{Enabled: false}
	}
	telemetry.CronTicks.Inc()
	p := TriggerParams{Source: models.SourceCron}

	tick := CronTickResult{Enabled: true}
	tick.RunAnchor = r.cronSub(func() (Result, error) { return r.RunAnchor(ctx, p) })
	tick.PrepareBatch = r.cronSub(func() (Result, error) { return r.RunPrepareBatch(ctx, p) })
	tick.ExportBatch = r.cronSub(func() (Result, error) { return r.RunExportBatch(ctx, p) })
	tick.FallbackCreate = r.cronSub(func() (Result, error) { return r.RunFallbackCreate(ctx, p) })
	if r.cfg.FallbackAutoSync {
		tick.FallbackSync = r.cronSub(func() (Result, error) { return r.RunFallbackSync(ctx, p) })
	}
	return tick
}

// cronSub runs one dispatcher step, folding any error into the result.
func (r *Runner) cronSub(fn func() (Result, error)) *Result {
	res, err := fn()
	if err != nil && res.Status == "" {
		res = Result{Status: models.StatusFailed, Error: err.Error(), Counters: models.Counters{}}
	}
	return &res
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
