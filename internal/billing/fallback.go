package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"billing-collections/internal/store"
)

// CreateIntentRequest is the functional contract with the fallback rail.
type CreateIntentRequest struct {
	ChargeID    string    `json:"charge_id"`
	AgencyID    string    `json:"agency_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ProviderClient talks to a fallback payment provider. Only the
// functional result matters here; the wire protocol is the provider's.
type ProviderClient interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (externalRef string, err error)
	FetchStatus(ctx context.Context, externalRef string) (status string, err error)
}

// HTTPProvider is a thin JSON client for QR-style fallback rails.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider builds a provider client; returns nil when no base URL
// is configured so callers can treat fallback as absent.
func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	if baseURL == "" {
		return nil
	}
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPProvider) CreateIntent(ctx context.Context, req CreateIntentRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "marshal intent request")
	}
	var out struct {
		ExternalRef string `json:"external_ref"`
	}
	if err := p.do(ctx, http.MethodPost, "/intents", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.ExternalRef == "" {
		return "", errors.New("provider returned empty external_ref")
	}
	return out.ExternalRef, nil
}

func (p *HTTPProvider) FetchStatus(ctx context.Context, externalRef string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := p.do(ctx, http.MethodGet, "/intents/"+externalRef, nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "build provider request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "call provider")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Newf("provider %s %s: status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode provider response")
	}
	return nil
}

// FallbackCreateParams scopes fallback intent creation.
type FallbackCreateParams struct {
	Provider  string
	DateAR    string
	AgencyIDs []string // fallback-enabled agencies only
	DryRun    bool
}

// CreateFallbackIntents opens one intent per failed, unsuspended charge
// in the eligible agencies that has no live intent yet, up to the
// configured batch size. A charge that already holds a live intent is the
// idempotent skip; a provider error on one charge does not stop the rest.
func (o *Operations) CreateFallbackIntents(ctx context.Context, p FallbackCreateParams) (FallbackCreateResult, error) {
	var res FallbackCreateResult
	if o.provider == nil {
		res.ProviderMissing = true
		return res, nil
	}
	if len(p.AgencyIDs) == 0 {
		return res, nil
	}

	rows, err := o.st.Pool().Query(ctx, `
		SELECT c.id, c.agency_id, c.amount_cents
		FROM charges c
		WHERE c.status = $1 AND NOT c.suspended AND c.agency_id = ANY($2)
		  AND NOT EXISTS (
			SELECT 1 FROM fallback_intents f
			WHERE f.charge_id = c.id AND f.status IN ($3, $4)
		  )
		ORDER BY c.last_failed_at, c.id
		LIMIT $5
	`, ChargeStatusFailed, p.AgencyIDs, IntentStatusCreated, IntentStatusPending, o.cfg.FallbackBatchSize)
	if err != nil {
		return res, errors.Wrap(err, "query fallback candidates")
	}
	type candidate struct {
		chargeID string
		agencyID string
		amount   int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.chargeID, &c.agencyID, &c.amount); err != nil {
			rows.Close()
			return res, errors.Wrap(err, "scan fallback candidate")
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, errors.Wrap(err, "iterate fallback candidates")
	}

	expiresAt := time.Now().UTC().Add(time.Duration(o.cfg.FallbackExpiryHours) * time.Hour)
	for _, c := range candidates {
		if p.DryRun {
			res.IntentsCreated++
			continue
		}
		ref, err := o.provider.CreateIntent(ctx, CreateIntentRequest{
			ChargeID:    c.chargeID,
			AgencyID:    c.agencyID,
			AmountCents: c.amount,
			Currency:    "ARS",
			ExpiresAt:   expiresAt,
		})
		if err != nil {
			res.CreateErrors++
			o.log.Errorw("fallback intent creation failed",
				"charge_id", c.chargeID,
				"provider", p.Provider,
				"error", err)
			continue
		}
		_, err = o.st.Pool().Exec(ctx, `
			INSERT INTO fallback_intents (id, charge_id, agency_id, provider, status, external_ref, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New().String(), c.chargeID, c.agencyID, p.Provider, IntentStatusCreated, ref, expiresAt)
		if err != nil {
			if store.IsUniqueViolation(err) {
				// A concurrent run created the live intent first.
				res.SkippedIdempotent++
				continue
			}
			return res, errors.Wrap(err, "insert fallback intent")
		}
		res.IntentsCreated++
	}
	if res.IntentsCreated == 0 && res.CreateErrors > 0 {
		return res, errors.Newf("all %d fallback intent creations failed", res.CreateErrors)
	}
	return res, nil
}

// FallbackSyncParams scopes fallback status reconciliation.
type FallbackSyncParams struct {
	Provider  string
	AgencyIDs []string // auto-sync-enabled agencies only
	DryRun    bool
}

// SyncFallbackStatuses polls the provider for every live intent in the
// eligible agencies and applies paid/expired transitions. One provider
// failure does not stop the rest; mixed outcomes surface as PARTIAL.
func (o *Operations) SyncFallbackStatuses(ctx context.Context, p FallbackSyncParams) (FallbackSyncResult, error) {
	var res FallbackSyncResult
	if o.provider == nil {
		res.ProviderMissing = true
		return res, nil
	}
	if len(p.AgencyIDs) == 0 {
		return res, nil
	}

	rows, err := o.st.Pool().Query(ctx, `
		SELECT id, charge_id, external_ref, expires_at
		FROM fallback_intents
		WHERE provider = $1 AND status IN ($2, $3) AND agency_id = ANY($4)
		ORDER BY created_at, id
	`, p.Provider, IntentStatusCreated, IntentStatusPending, p.AgencyIDs)
	if err != nil {
		return res, errors.Wrap(err, "query live intents")
	}
	type liveIntent struct {
		id        string
		chargeID  string
		ref       string
		expiresAt time.Time
	}
	var live []liveIntent
	for rows.Next() {
		var i liveIntent
		if err := rows.Scan(&i.id, &i.chargeID, &i.ref, &i.expiresAt); err != nil {
			rows.Close()
			return res, errors.Wrap(err, "scan live intent")
		}
		live = append(live, i)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, errors.Wrap(err, "iterate live intents")
	}

	now := time.Now().UTC()
	for _, i := range live {
		res.IntentsChecked++
		if p.DryRun {
			continue
		}
		status, err := o.provider.FetchStatus(ctx, i.ref)
		if err != nil {
			res.SyncErrors++
			o.log.Errorw("fallback status fetch failed",
				"intent_id", i.id,
				"provider", p.Provider,
				"error", err)
			continue
		}
		switch status {
		case IntentStatusPaid:
			if err := o.markIntentPaid(ctx, i.id, i.chargeID, now); err != nil {
				return res, err
			}
			res.IntentsPaid++
		case IntentStatusExpired:
			if err := o.markIntent(ctx, i.id, IntentStatusExpired, now); err != nil {
				return res, err
			}
			res.IntentsExpired++
		default:
			if !i.expiresAt.IsZero() && i.expiresAt.Before(now) {
				if err := o.markIntent(ctx, i.id, IntentStatusExpired, now); err != nil {
					return res, err
				}
				res.IntentsExpired++
			} else if err := o.markIntent(ctx, i.id, IntentStatusPending, now); err != nil {
				return res, err
			}
		}
	}
	if res.SyncErrors > 0 && res.IntentsPaid+res.IntentsExpired == 0 && res.IntentsChecked == res.SyncErrors {
		return res, errors.Newf("all %d fallback status fetches failed", res.SyncErrors)
	}
	return res, nil
}

func (o *Operations) markIntentPaid(ctx context.Context, intentID, chargeID string, now time.Time) error {
	tx, err := o.st.Pool().Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin sync tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE fallback_intents SET status = $2, synced_at = $3 WHERE id = $1
	`, intentID, IntentStatusPaid, now)
	if err != nil {
		return errors.Wrap(err, "mark intent paid")
	}
	_, err = tx.Exec(ctx, `
		UPDATE charges SET status = $2, updated_at = NOW() WHERE id = $1
	`, chargeID, ChargeStatusPaid)
	if err != nil {
		return errors.Wrap(err, "mark charge paid")
	}
	return errors.Wrap(tx.Commit(ctx), "commit sync tx")
}

func (o *Operations) markIntent(ctx context.Context, intentID, status string, now time.Time) error {
	_, err := o.st.Pool().Exec(ctx, `
		UPDATE fallback_intents SET status = $2, synced_at = $3 WHERE id = $1
	`, intentID, status, now)
	return errors.Wrapf(err, "mark intent %s", status)
}
