// Package billing implements the pg-backed collection operations invoked
// by the job runner: billing-cycle anchoring, presentment batch
// preparation and export, and fallback intent lifecycle. Every operation
// is idempotent for a given scope/date and reports skips via counters
// instead of duplicating effects.
package billing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"billing-collections/internal/calendar"
	"billing-collections/internal/config"
	"billing-collections/internal/store"
)

// Charge statuses.
const (
	ChargeStatusPending   = "pending"
	ChargeStatusBatched   = "batched"
	ChargeStatusPresented = "presented"
	ChargeStatusFailed    = "failed"
	ChargeStatusPaid      = "paid"
)

// Batch statuses.
const (
	BatchStatusPrepared  = "prepared"
	BatchStatusExported  = "exported"
	BatchStatusCancelled = "cancelled"
)

// Intent statuses.
const (
	IntentStatusCreated = "created"
	IntentStatusPending = "pending"
	IntentStatusPaid    = "paid"
	IntentStatusExpired = "expired"
	IntentStatusFailed  = "failed"
)

// Operations bundles the domain collection operations over the shared
// store connection.
type Operations struct {
	st       *store.Store
	cfg      config.Config
	cal      *calendar.Calendar
	exporter *Exporter
	provider ProviderClient
	log      *zap.SugaredLogger
}

// NewOperations wires the domain operations. provider may be nil when no
// fallback rail is configured; fallback jobs then report no-ops.
func NewOperations(st *store.Store, cfg config.Config, cal *calendar.Calendar, exporter *Exporter, provider ProviderClient, log *zap.SugaredLogger) *Operations {
	return &Operations{st: st, cfg: cfg, cal: cal, exporter: exporter, provider: provider, log: log}
}

// AnchorBillingCycles creates the billing cycle (and its pending charge)
// for every subscription in the given agencies whose anchor has arrived
// at dateAR, then advances the subscription to its next anchor. A cycle
// already present for (subscription, date) is an idempotent skip.
func (o *Operations) AnchorBillingCycles(ctx context.Context, dateAR string, agencyIDs []string, dryRun bool) (AnchorResult, error) {
	res := AnchorResult{DryRun: dryRun}
	if len(agencyIDs) == 0 {
		return res, nil
	}

	rows, err := o.st.Pool().Query(ctx, `
		SELECT id, agency_id, anchor_day, amount_cents
		FROM subscriptions
		WHERE status = 'active' AND agency_id = ANY($1) AND next_cycle_ar <= $2
		ORDER BY agency_id, id
	`, agencyIDs, dateAR)
	if err != nil {
		return res, errors.Wrap(err, "query due subscriptions")
	}
	type dueSub struct {
		id        string
		agencyID  string
		anchorDay int
		amount    int64
	}
	var due []dueSub
	for rows.Next() {
		var s dueSub
		if err := rows.Scan(&s.id, &s.agencyID, &s.anchorDay, &s.amount); err != nil {
			rows.Close()
			return res, errors.Wrap(err, "scan due subscription")
		}
		due = append(due, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, errors.Wrap(err, "iterate due subscriptions")
	}

	cycleStart, err := o.cal.ParseDateKey(dateAR)
	if err != nil {
		return res, err
	}

	for _, s := range due {
		if dryRun {
			res.CyclesCreated++
			res.ChargesCreated++
			continue
		}
		created, err := o.anchorOne(ctx, s.id, s.agencyID, s.anchorDay, s.amount, dateAR, cycleStart)
		if err != nil {
			return res, err
		}
		if created {
			res.CyclesCreated++
			res.ChargesCreated++
		} else {
			res.SkippedIdempotent++
		}
	}
	return res, nil
}

// anchorOne inserts one cycle+charge pair transactionally and advances
// the subscription. Returns false on the idempotent-skip path.
func (o *Operations) anchorOne(ctx context.Context, subID, agencyID string, anchorDay int, amountCents int64, dateAR string, cycleStart time.Time) (bool, error) {
	tx, err := o.st.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin anchor tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	cycleID := uuid.New().String()
	vat := int64(float64(amountCents) * o.cfg.DefaultVATRate)
	tag, err := tx.Exec(ctx, `
		INSERT INTO billing_cycles (id, subscription_id, agency_id, cycle_start_ar, amount_cents, vat_cents)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subscription_id, cycle_start_ar) DO NOTHING
	`, cycleID, subID, agencyID, dateAR, amountCents, vat)
	if err != nil {
		return false, errors.Wrap(err, "insert billing cycle")
	}
	if tag.RowsAffected() == 0 {
		// Cycle already anchored for this date by a previous run.
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO charges (id, billing_cycle_id, agency_id, status, due_date_ar, amount_cents)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), cycleID, agencyID, ChargeStatusPending, dateAR, amountCents+vat)
	if err != nil {
		return false, errors.Wrap(err, "insert charge")
	}

	next := config.NextAnchorDate(cycleStart.AddDate(0, 0, 1), anchorDay, o.cal.Location())
	_, err = tx.Exec(ctx, `
		UPDATE subscriptions SET next_cycle_ar = $2 WHERE id = $1
	`, subID, o.cal.DateKey(next))
	if err != nil {
		return false, errors.Wrap(err, "advance subscription anchor")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit anchor tx")
	}
	return true, nil
}

// PrepareParams scopes a presentment batch preparation.
type PrepareParams struct {
	Adapter         string
	DateAR          string
	Force           bool
	DryRun          bool
	PdAgencies      []string
	DunningAgencies []string
}

// PreparePresentmentBatch collects due pending charges, plus failed
// charges whose dunning retry offset has arrived, into a single batch for
// (adapter, date). An existing batch is the idempotent no-op unless Force
// cancels and re-prepares it.
func (o *Operations) PreparePresentmentBatch(ctx context.Context, p PrepareParams) (PrepareResult, error) {
	res := PrepareResult{DryRun: p.DryRun}

	var existingID string
	var existingStatus string
	err := o.st.Pool().QueryRow(ctx, `
		SELECT id, status FROM presentment_batches
		WHERE adapter = $1 AND target_date_ar = $2 AND status <> $3
	`, p.Adapter, p.DateAR, BatchStatusCancelled).Scan(&existingID, &existingStatus)
	switch {
	case err == nil:
		if !p.Force || existingStatus == BatchStatusExported {
			res.NoOp = true
			res.BatchID = existingID
			return res, nil
		}
		if !p.DryRun {
			if err := o.cancelBatch(ctx, existingID); err != nil {
				return res, err
			}
		}
	case errors.Is(err, pgx.ErrNoRows):
		// Nothing prepared yet for this scope.
	default:
		return res, errors.Wrap(err, "query existing batch")
	}

	suspended, err := o.suspendOverdueCharges(ctx, p.DateAR, p.DryRun)
	if err != nil {
		return res, err
	}
	res.ChargesSuspended = suspended

	dueIDs, amounts, err := o.dueCharges(ctx, p.DateAR, p.PdAgencies)
	if err != nil {
		return res, err
	}
	retryIDs, retryAmounts, err := o.dueRetryCharges(ctx, p.DateAR, p.DunningAgencies)
	if err != nil {
		return res, err
	}
	res.ChargesBatched = len(dueIDs) + len(retryIDs)
	res.RetriesIncluded = len(retryIDs)

	if res.ChargesBatched == 0 {
		res.NoOp = true
		return res, nil
	}
	if p.DryRun {
		res.BatchID = ""
		return res, nil
	}

	batchID := uuid.New().String()
	allIDs := append(append([]string{}, dueIDs...), retryIDs...)
	allAmounts := append(append([]int64{}, amounts...), retryAmounts...)
	var total int64
	for _, a := range allAmounts {
		total += a
	}

	tx, err := o.st.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, errors.Wrap(err, "begin prepare tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO presentment_batches (id, adapter, target_date_ar, status, charge_count, total_cents)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, batchID, p.Adapter, p.DateAR, BatchStatusPrepared, len(allIDs), total)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Raced with a concurrent preparation for the same scope.
			res.NoOp = true
			res.SkippedIdempotent++
			res.ChargesBatched = 0
			res.RetriesIncluded = 0
			return res, nil
		}
		return res, errors.Wrap(err, "insert batch")
	}
	for i, chargeID := range allIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO presentment_batch_items (batch_id, charge_id, amount_cents)
			VALUES ($1, $2, $3)
		`, batchID, chargeID, allAmounts[i])
		if err != nil {
			return res, errors.Wrap(err, "insert batch item")
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE charges SET status = $2, updated_at = NOW() WHERE id = ANY($1)
	`, allIDs, ChargeStatusBatched)
	if err != nil {
		return res, errors.Wrap(err, "mark charges batched")
	}
	if err := tx.Commit(ctx); err != nil {
		return res, errors.Wrap(err, "commit prepare tx")
	}

	res.BatchID = batchID
	return res, nil
}

// cancelBatch voids a prepared batch and returns its charges to pending.
func (o *Operations) cancelBatch(ctx context.Context, batchID string) error {
	tx, err := o.st.Pool().BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin cancel tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE charges SET status = $2, updated_at = NOW()
		WHERE id IN (SELECT charge_id FROM presentment_batch_items WHERE batch_id = $1)
		  AND status = $3
	`, batchID, ChargeStatusPending, ChargeStatusBatched)
	if err != nil {
		return errors.Wrap(err, "unbatch charges")
	}
	_, err = tx.Exec(ctx, `
		UPDATE presentment_batches SET status = $2 WHERE id = $1
	`, batchID, BatchStatusCancelled)
	if err != nil {
		return errors.Wrap(err, "cancel batch")
	}
	return errors.Wrap(tx.Commit(ctx), "commit cancel tx")
}

// suspendOverdueCharges flags failed charges whose first failure is more
// than SuspendAfterDays business days before dateAR, removing them from
// presentment until an operator intervenes.
func (o *Operations) suspendOverdueCharges(ctx context.Context, dateAR string, dryRun bool) (int, error) {
	rows, err := o.st.Pool().Query(ctx, `
		SELECT id, last_failed_at FROM charges
		WHERE status = $1 AND NOT suspended AND last_failed_at IS NOT NULL
	`, ChargeStatusFailed)
	if err != nil {
		return 0, errors.Wrap(err, "query failed charges for suspension")
	}
	target, err := o.cal.ParseDateKey(dateAR)
	if err != nil {
		rows.Close()
		return 0, err
	}

	var suspend []string
	for rows.Next() {
		var id string
		var failedAt time.Time
		if err := rows.Scan(&id, &failedAt); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan failed charge")
		}
		deadline := o.cal.AddBusinessDays(failedAt, o.cfg.SuspendAfterDays)
		if deadline.Before(target) {
			suspend = append(suspend, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate failed charges")
	}
	if len(suspend) == 0 || dryRun {
		return len(suspend), nil
	}
	_, err = o.st.Pool().Exec(ctx, `
		UPDATE charges SET suspended = TRUE, updated_at = NOW() WHERE id = ANY($1)
	`, suspend)
	if err != nil {
		return 0, errors.Wrap(err, "suspend charges")
	}
	return len(suspend), nil
}

// dueCharges returns pending charges due at or before dateAR for the
// pd-enabled agencies.
func (o *Operations) dueCharges(ctx context.Context, dateAR string, agencyIDs []string) ([]string, []int64, error) {
	if len(agencyIDs) == 0 {
		return nil, nil, nil
	}
	rows, err := o.st.Pool().Query(ctx, `
		SELECT id, amount_cents FROM charges
		WHERE status = $1 AND NOT suspended AND due_date_ar <= $2 AND agency_id = ANY($3)
		ORDER BY due_date_ar, id
	`, ChargeStatusPending, dateAR, agencyIDs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query due charges")
	}
	defer rows.Close()

	var ids []string
	var amounts []int64
	for rows.Next() {
		var id string
		var amount int64
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, nil, errors.Wrap(err, "scan due charge")
		}
		ids = append(ids, id)
		amounts = append(amounts, amount)
	}
	return ids, amounts, rows.Err()
}

// dueRetryCharges returns failed charges whose next dunning retry offset
// (in business days after the last failure) has arrived by dateAR, for
// dunning-enabled agencies. The offset index is the charge's attempt
// count; charges past the last offset wait for suspension.
func (o *Operations) dueRetryCharges(ctx context.Context, dateAR string, agencyIDs []string) ([]string, []int64, error) {
	if len(agencyIDs) == 0 {
		return nil, nil, nil
	}
	rows, err := o.st.Pool().Query(ctx, `
		SELECT id, amount_cents, attempt_count, last_failed_at FROM charges
		WHERE status = $1 AND NOT suspended AND last_failed_at IS NOT NULL AND agency_id = ANY($2)
		ORDER BY last_failed_at, id
	`, ChargeStatusFailed, agencyIDs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query retry candidates")
	}
	defer rows.Close()

	target, err := o.cal.ParseDateKey(dateAR)
	if err != nil {
		return nil, nil, err
	}

	offsets := o.cfg.DunningRetryDays
	var ids []string
	var amounts []int64
	for rows.Next() {
		var id string
		var amount int64
		var attempts int
		var failedAt time.Time
		if err := rows.Scan(&id, &amount, &attempts, &failedAt); err != nil {
			return nil, nil, errors.Wrap(err, "scan retry candidate")
		}
		idx := attempts - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(offsets) {
			continue
		}
		retryAt := o.cal.AddBusinessDays(failedAt, offsets[idx])
		if !retryAt.After(target) {
			ids = append(ids, id)
			amounts = append(amounts, amount)
		}
	}
	return ids, amounts, rows.Err()
}
