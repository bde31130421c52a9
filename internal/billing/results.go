package billing

import (
	"billing-collections/internal/models"
)

// Each operation returns a concrete result struct internally; the open
// counters map is produced only at the ledger-write boundary.

// AnchorResult reports billing-cycle anchoring per date.
type AnchorResult struct {
	CyclesCreated    int
	ChargesCreated   int
	SkippedIdempotent int
	DryRun           bool
}

func (r AnchorResult) Counters() models.Counters {
	c := models.Counters{
		"cycles_created":     r.CyclesCreated,
		"charges_created":    r.ChargesCreated,
		"skipped_idempotent": r.SkippedIdempotent,
	}
	if r.DryRun {
		c["dry_run"] = true
	}
	return c
}

// PrepareResult reports presentment batch preparation.
type PrepareResult struct {
	NoOp              bool
	BatchID           string
	ChargesBatched    int
	RetriesIncluded   int
	ChargesSuspended  int
	SkippedIdempotent int
	DryRun            bool
}

func (r PrepareResult) Counters() models.Counters {
	c := models.Counters{
		"charges_batched":    r.ChargesBatched,
		"retries_included":   r.RetriesIncluded,
		"charges_suspended":  r.ChargesSuspended,
		"skipped_idempotent": r.SkippedIdempotent,
	}
	if r.NoOp {
		c["skipped_idempotent"] = r.SkippedIdempotent + 1
	}
	if r.DryRun {
		c["dry_run"] = true
	}
	return c
}

// ExportResult reports batch export to the downstream rail.
type ExportResult struct {
	NoOp             bool
	BatchesExported  int
	ChargesPresented int
	ExportErrors     int
	FileURLs         []string
}

func (r ExportResult) Counters() models.Counters {
	return models.Counters{
		"batches_exported":  r.BatchesExported,
		"charges_presented": r.ChargesPresented,
		"export_errors":     r.ExportErrors,
	}
}

// Partial reports whether some but not all batches exported.
func (r ExportResult) Partial() bool {
	return r.ExportErrors > 0 && r.BatchesExported > 0
}

// FallbackCreateResult reports fallback intent creation.
type FallbackCreateResult struct {
	IntentsCreated    int
	SkippedIdempotent int
	CreateErrors      int
	ProviderMissing   bool
}

func (r FallbackCreateResult) Counters() models.Counters {
	c := models.Counters{
		"intents_created":    r.IntentsCreated,
		"skipped_idempotent": r.SkippedIdempotent,
		"create_errors":      r.CreateErrors,
	}
	if r.ProviderMissing {
		c["provider_not_configured"] = true
	}
	return c
}

func (r FallbackCreateResult) Partial() bool {
	return r.CreateErrors > 0 && r.IntentsCreated > 0
}

// FallbackSyncResult reports fallback status reconciliation.
type FallbackSyncResult struct {
	IntentsChecked  int
	IntentsPaid     int
	IntentsExpired  int
	SyncErrors      int
	ProviderMissing bool
}

func (r FallbackSyncResult) Counters() models.Counters {
	c := models.Counters{
		"intents_checked": r.IntentsChecked,
		"intents_paid":    r.IntentsPaid,
		"intents_expired": r.IntentsExpired,
		"sync_errors":     r.SyncErrors,
	}
	if r.ProviderMissing {
		c["provider_not_configured"] = true
	}
	return c
}

func (r FallbackSyncResult) Partial() bool {
	return r.SyncErrors > 0 && (r.IntentsPaid+r.IntentsExpired) > 0
}
