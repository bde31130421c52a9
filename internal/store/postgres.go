package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"billing-collections/internal/models"
)

// Postgres error codes the store cares about.
const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
)

// Store wraps pgxpool for Postgres persistence of locks, the run ledger,
// rollout rows, and the billing tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for the billing operations, which
// share the store's connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// AcquireLock attempts to take the named lease for runID. It first tries
// to create the row; on a key conflict it steals the existing row only if
// the current lease is expired or already released. Returns false when a
// live holder exists. Lock rows are never deleted.
func (s *Store) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration, runID string, metadata map[string]any) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	metaJSON, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return false, fmt.Errorf("marshal lock metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_locks (lock_key, acquired_at, expires_at, owner_run_id, metadata, released_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (lock_key) DO NOTHING
	`, lockKey, now, expires, runID, metaJSON)
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Row exists: steal only an expired or released lease.
	tag, err = s.pool.Exec(ctx, `
		UPDATE job_locks
		SET acquired_at = $2, expires_at = $3, owner_run_id = $4, metadata = $5, released_at = NULL
		WHERE lock_key = $1 AND (expires_at <= $2 OR released_at IS NOT NULL)
	`, lockKey, now, expires, runID, metaJSON)
	if err != nil {
		return false, fmt.Errorf("steal lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock marks the lease released, but only while runID still owns
// it. A straggler whose lease was stolen affects zero rows, which is fine.
func (s *Store) ReleaseLock(ctx context.Context, lockKey, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_locks
		SET released_at = NOW()
		WHERE lock_key = $1 AND owner_run_id = $2 AND released_at IS NULL
	`, lockKey, runID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// GetLock fetches a lock row for diagnostics.
func (s *Store) GetLock(ctx context.Context, lockKey string) (models.JobLock, bool, error) {
	var l models.JobLock
	var metaJSON []byte
	var released pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT lock_key, acquired_at, expires_at, owner_run_id, metadata, released_at
		FROM job_locks WHERE lock_key = $1
	`, lockKey).Scan(&l.LockKey, &l.AcquiredAt, &l.ExpiresAt, &l.OwnerRunID, &metaJSON, &released)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobLock{}, false, nil
	}
	if err != nil {
		return models.JobLock{}, false, fmt.Errorf("query lock: %w", err)
	}
	if released.Valid {
		l.ReleasedAt = &released.Time
	}
	if err := json.Unmarshal(metaJSON, &l.Metadata); err != nil {
		return models.JobLock{}, false, fmt.Errorf("unmarshal lock metadata: %w", err)
	}
	return l, true, nil
}

// StartRunParams collects inputs required to open a job run.
type StartRunParams struct {
	JobName      string
	RunID        string
	Source       string
	TargetDateAR *string
	Adapter      *string
	Metadata     map[string]any
	CreatedBy    *string
}

// StartRun inserts a RUNNING ledger row.
func (s *Store) StartRun(ctx context.Context, p StartRunParams) (models.JobRun, error) {
	now := time.Now().UTC()
	metaJSON, err := json.Marshal(orEmpty(p.Metadata))
	if err != nil {
		return models.JobRun{}, fmt.Errorf("marshal run metadata: %w", err)
	}
	run := models.JobRun{
		ID:           uuid.New().String(),
		JobName:      p.JobName,
		RunID:        p.RunID,
		Source:       p.Source,
		Status:       models.StatusRunning,
		StartedAt:    now,
		TargetDateAR: p.TargetDateAR,
		Adapter:      p.Adapter,
		Counters:     models.Counters{},
		Metadata:     p.Metadata,
		CreatedBy:    p.CreatedBy,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_name, run_id, source, status, started_at, target_date_ar, adapter, counters, metadata, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}', $9, $10)
	`, run.ID, run.JobName, run.RunID, run.Source, run.Status, run.StartedAt, p.TargetDateAR, p.Adapter, metaJSON, p.CreatedBy)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("insert job run: %w", err)
	}
	return run, nil
}

// FinishRun transitions a run to its terminal status exactly once,
// stamping finished_at, duration and counters, plus error details when
// the status is FAILED.
func (s *Store) FinishRun(ctx context.Context, run models.JobRun, status string, counters models.Counters, errMessage, errStack *string) (models.JobRun, error) {
	now := time.Now().UTC()
	duration := now.Sub(run.StartedAt).Milliseconds()
	countersJSON, err := json.Marshal(orEmpty(map[string]any(counters)))
	if err != nil {
		return models.JobRun{}, fmt.Errorf("marshal counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, finished_at = $3, duration_ms = $4, counters = $5, error_message = $6, error_stack = $7
		WHERE id = $1 AND status = $8
	`, run.ID, status, now, duration, countersJSON, errMessage, errStack, models.StatusRunning)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("finish job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.JobRun{}, fmt.Errorf("job run %s already finished", run.ID)
	}
	run.Status = status
	run.FinishedAt = &now
	run.DurationMS = &duration
	run.Counters = counters
	run.ErrorMessage = errMessage
	run.ErrorStack = errStack
	return run, nil
}

// ListRecentRuns returns the newest runs first; the caller bounds limit.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]models.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_name, run_id, source, status, started_at, finished_at, duration_ms,
		       target_date_ar, adapter, counters, error_message, error_stack, metadata, created_by
		FROM job_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRun
	for rows.Next() {
		var r models.JobRun
		var finished pgtype.Timestamptz
		var duration pgtype.Int8
		var targetDate, adapter, errMsg, errStack, createdBy pgtype.Text
		var countersJSON, metaJSON []byte
		if err := rows.Scan(&r.ID, &r.JobName, &r.RunID, &r.Source, &r.Status, &r.StartedAt,
			&finished, &duration, &targetDate, &adapter, &countersJSON, &errMsg, &errStack, &metaJSON, &createdBy); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		if duration.Valid {
			r.DurationMS = &duration.Int64
		}
		r.TargetDateAR = textPtr(targetDate)
		r.Adapter = textPtr(adapter)
		r.ErrorMessage = textPtr(errMsg)
		r.ErrorStack = textPtr(errStack)
		r.CreatedBy = textPtr(createdBy)
		if err := json.Unmarshal(countersJSON, &r.Counters); err != nil {
			return nil, fmt.Errorf("unmarshal counters: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal run metadata: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveAgencyIDs returns distinct agency ids holding active subscriptions.
func (s *Store) ActiveAgencyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT agency_id FROM subscriptions WHERE status = 'active' ORDER BY agency_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active agencies: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agency id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AgencyRollouts fetches explicit rollout rows for the given agencies.
// The second return is false when the rollout table does not exist yet;
// callers degrade to defaults instead of failing (the registry may be a
// later migration than the orchestrator).
func (s *Store) AgencyRollouts(ctx context.Context, agencyIDs []string) (map[string]models.AgencyRollout, bool, error) {
	if len(agencyIDs) == 0 {
		return map[string]models.AgencyRollout{}, true, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT agency_id, pd_enabled, dunning_enabled, fallback_enabled, fallback_provider,
		       fallback_auto_sync, suspended, cutoff_override_hour_ar, notes
		FROM agency_collections_rollouts
		WHERE agency_id = ANY($1)
	`, agencyIDs)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query rollouts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.AgencyRollout, len(agencyIDs))
	for rows.Next() {
		var r models.AgencyRollout
		var provider, notes pgtype.Text
		var cutoff pgtype.Int4
		if err := rows.Scan(&r.AgencyID, &r.PdEnabled, &r.DunningEnabled, &r.FallbackEnabled,
			&provider, &r.FallbackAutoSync, &r.Suspended, &cutoff, &notes); err != nil {
			return nil, false, fmt.Errorf("scan rollout: %w", err)
		}
		r.HasConfig = true
		r.FallbackProvider = textPtr(provider)
		r.Notes = textPtr(notes)
		if cutoff.Valid {
			h := int(cutoff.Int32)
			r.CutoffOverrideHour = &h
		}
		out[r.AgencyID] = r
	}
	return out, true, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// conflict, the signal the billing operations use for idempotent skips.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
