package runner

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"billing-collections/internal/billing"
	"billing-collections/internal/models"
	"billing-collections/internal/store"
)

// memStore is an in-memory double behind the same contract as the pgx
// store, so orchestration semantics are testable without Postgres.
type memStore struct {
	mu sync.Mutex

	locks map[string]*models.JobLock
	runs  []*models.JobRun

	agencies          []string
	rollouts          map[string]models.AgencyRollout
	rolloutsAvailable bool

	now func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		locks:             make(map[string]*models.JobLock),
		rollouts:          make(map[string]models.AgencyRollout),
		rolloutsAvailable: true,
		now:               now,
	}
}

func (m *memStore) AcquireLock(_ context.Context, lockKey string, ttl time.Duration, runID string, metadata map[string]any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[lockKey]; ok {
		live := l.ReleasedAt == nil && l.ExpiresAt.After(now)
		if live {
			return false, nil
		}
	}
	m.locks[lockKey] = &models.JobLock{
		LockKey:    lockKey,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		OwnerRunID: runID,
		Metadata:   metadata,
	}
	return true, nil
}

func (m *memStore) ReleaseLock(_ context.Context, lockKey, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[lockKey]; ok && l.OwnerRunID == runID && l.ReleasedAt == nil {
		t := m.now()
		l.ReleasedAt = &t
	}
	return nil
}

func (m *memStore) StartRun(_ context.Context, p store.StartRunParams) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := models.JobRun{
		ID:           uuid.New().String(),
		JobName:      p.JobName,
		RunID:        p.RunID,
		Source:       p.Source,
		Status:       models.StatusRunning,
		StartedAt:    m.now(),
		TargetDateAR: p.TargetDateAR,
		Adapter:      p.Adapter,
		Counters:     models.Counters{},
		Metadata:     p.Metadata,
		CreatedBy:    p.CreatedBy,
	}
	stored := run
	m.runs = append(m.runs, &stored)
	return run, nil
}

func (m *memStore) FinishRun(_ context.Context, run models.JobRun, status string, counters models.Counters, errMessage, errStack *string) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.runs {
		if stored.ID != run.ID {
			continue
		}
		if stored.Status != models.StatusRunning {
			return models.JobRun{}, errors.Newf("job run %s already finished", run.ID)
		}
		now := m.now()
		duration := now.Sub(stored.StartedAt).Milliseconds()
		stored.Status = status
		stored.FinishedAt = &now
		stored.DurationMS = &duration
		stored.Counters = counters
		stored.ErrorMessage = errMessage
		stored.ErrorStack = errStack
		return *stored, nil
	}
	return models.JobRun{}, errors.Newf("job run %s not found", run.ID)
}

func (m *memStore) ListRecentRuns(_ context.Context, limit int) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.runs[i])
	}
	return out, nil
}

func (m *memStore) ActiveAgencyIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.agencies...), nil
}

func (m *memStore) AgencyRollouts(_ context.Context, _ []string) (map[string]models.AgencyRollout, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rolloutsAvailable {
		return nil, false, nil
	}
	out := make(map[string]models.AgencyRollout, len(m.rollouts))
	for k, v := range m.rollouts {
		out[k] = v
	}
	return out, true, nil
}

func (m *memStore) lockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *memStore) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *memStore) seedLock(key, owner string, expiresAt time.Time, released *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[key] = &models.JobLock{
		LockKey:    key,
		AcquiredAt: expiresAt.Add(-time.Hour),
		ExpiresAt:  expiresAt,
		OwnerRunID: owner,
		ReleasedAt: released,
	}
}

// fakeOps records calls and replays scripted results, standing in for
// the pg-backed billing operations.
type fakeOps struct {
	mu sync.Mutex

	anchorCalls  [][]string
	anchorResult []billing.AnchorResult
	anchorErr    error

	prepareCalls  []billing.PrepareParams
	prepareResult billing.PrepareResult
	prepareErr    error

	exportCalls  []billing.ExportParams
	exportResult billing.ExportResult
	exportErr    error

	createCalls  []billing.FallbackCreateParams
	createResult billing.FallbackCreateResult

	syncCalls  []billing.FallbackSyncParams
	syncResult billing.FallbackSyncResult
}

func (f *fakeOps) AnchorBillingCycles(_ context.Context, _ string, agencyIDs []string, _ bool) (billing.AnchorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchorCalls = append(f.anchorCalls, append([]string(nil), agencyIDs...))
	if f.anchorErr != nil {
		return billing.AnchorResult{}, f.anchorErr
	}
	idx := len(f.anchorCalls) - 1
	if idx < len(f.anchorResult) {
		return f.anchorResult[idx], nil
	}
	return billing.AnchorResult{}, nil
}

func (f *fakeOps) PreparePresentmentBatch(_ context.Context, p billing.PrepareParams) (billing.PrepareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCalls = append(f.prepareCalls, p)
	return f.prepareResult, f.prepareErr
}

func (f *fakeOps) ExportPendingBatches(_ context.Context, p billing.ExportParams) (billing.ExportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportCalls = append(f.exportCalls, p)
	return f.exportResult, f.exportErr
}

func (f *fakeOps) CreateFallbackIntents(_ context.Context, p billing.FallbackCreateParams) (billing.FallbackCreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, p)
	return f.createResult, nil
}

func (f *fakeOps) SyncFallbackStatuses(_ context.Context, p billing.FallbackSyncParams) (billing.FallbackSyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, p)
	return f.syncResult, nil
}
