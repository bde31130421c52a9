package models

import (
	"time"
)

// RunStatus enumerates job run lifecycle states persisted in Postgres.
// RUNNING is the sole initial state; every other value is terminal.
const (
	StatusRunning       = "RUNNING"
	StatusSuccess       = "SUCCESS"
	StatusPartial       = "PARTIAL"
	StatusFailed        = "FAILED"
	StatusSkippedLocked = "SKIPPED_LOCKED"
	StatusNoOp          = "NO_OP"
)

// RunSource identifies who triggered a job run.
const (
	SourceCron   = "CRON"
	SourceManual = "MANUAL"
	SourceSystem = "SYSTEM"
)

// Job names as recorded in the run ledger and used in lock keys.
const (
	JobAnchor         = "collections_anchor"
	JobPrepareBatch   = "collections_prepare_batch"
	JobExportBatch    = "collections_export_batch"
	JobFallbackCreate = "collections_fallback_create"
	JobFallbackSync   = "collections_fallback_sync"
)

// Counters is the open string-keyed result map written at the ledger
// boundary. Values are numbers or bools; shape varies per job kind.
type Counters map[string]any

// Add increments a numeric counter, creating it at delta if absent.
func (c Counters) Add(key string, delta int) {
	if cur, ok := c[key].(int); ok {
		c[key] = cur + delta
		return
	}
	c[key] = delta
}

// Merge copies all entries from other into c, overwriting on collision.
func (c Counters) Merge(other Counters) {
	for k, v := range other {
		c[k] = v
	}
}

// JobLock is a named TTL lease row. Rows are never hard-deleted: release
// sets released_at, and a steal rewrites the row in place.
type JobLock struct {
	LockKey    string         `json:"lock_key"`
	AcquiredAt time.Time      `json:"acquired_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	OwnerRunID string         `json:"owner_run_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReleasedAt *time.Time     `json:"released_at,omitempty"`
}

// JobRun is one execution attempt in the run ledger.
// FinishedAt is nil iff Status is RUNNING; DurationMS is set iff FinishedAt is.
type JobRun struct {
	ID           string         `json:"id"`
	JobName      string         `json:"job_name"`
	RunID        string         `json:"run_id"`
	Source       string         `json:"source"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	DurationMS   *int64         `json:"duration_ms,omitempty"`
	TargetDateAR *string        `json:"target_date_ar,omitempty"`
	Adapter      *string        `json:"adapter,omitempty"`
	Counters     Counters       `json:"counters"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	ErrorStack   *string        `json:"error_stack,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedBy    *string        `json:"created_by,omitempty"`
}

// AgencyRollout is the per-agency automation override row. HasConfig is
// false when no explicit row exists and the fields carry the fleet default.
type AgencyRollout struct {
	AgencyID           string  `json:"agency_id"`
	HasConfig          bool    `json:"has_config"`
	PdEnabled          bool    `json:"collections_pd_enabled"`
	DunningEnabled     bool    `json:"collections_dunning_enabled"`
	FallbackEnabled    bool    `json:"collections_fallback_enabled"`
	FallbackProvider   *string `json:"collections_fallback_provider,omitempty"`
	FallbackAutoSync   bool    `json:"collections_fallback_auto_sync_enabled"`
	Suspended          bool    `json:"collections_suspended"`
	CutoffOverrideHour *int    `json:"collections_cutoff_override_hour_ar,omitempty"`
	Notes              *string `json:"collections_notes,omitempty"`
}
