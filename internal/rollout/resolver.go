// Package rollout resolves effective per-agency collections automation
// flags, defaulting safely when no override row exists or the backing
// registry is unavailable.
package rollout

import (
	"billing-collections/internal/models"
)

// Resolver turns raw rollout rows into effective flags. RequireAgencyFlag
// selects the fleet default for agencies without an explicit row: true
// means fail closed (all automation off until opted in), false means fail
// open (on until opted out).
type Resolver struct {
	RequireAgencyFlag bool
	DefaultProvider   string
	DefaultAutoSync   bool
}

// Default returns the rollout applied to an agency with no explicit row.
func (r Resolver) Default(agencyID string) models.AgencyRollout {
	enabled := !r.RequireAgencyFlag
	provider := r.DefaultProvider
	return models.AgencyRollout{
		AgencyID:         agencyID,
		HasConfig:        false,
		PdEnabled:        enabled,
		DunningEnabled:   enabled,
		FallbackEnabled:  enabled,
		FallbackProvider: &provider,
		FallbackAutoSync: enabled && r.DefaultAutoSync,
	}
}

// Resolve maps every requested agency id to an effective rollout. rows
// holds whatever explicit rows the registry returned; registryAvailable
// is false when the registry is structurally unavailable (schema not yet
// migrated), in which case every agency degrades to the fail-open default
// rather than blocking collection activity.
func (r Resolver) Resolve(agencyIDs []string, rows map[string]models.AgencyRollout, registryAvailable bool) map[string]models.AgencyRollout {
	out := make(map[string]models.AgencyRollout, len(agencyIDs))
	if !registryAvailable {
		open := Resolver{RequireAgencyFlag: false, DefaultProvider: r.DefaultProvider, DefaultAutoSync: r.DefaultAutoSync}
		for _, id := range agencyIDs {
			out[id] = open.Default(id)
		}
		return out
	}
	for _, id := range agencyIDs {
		if row, ok := rows[id]; ok {
			row.HasConfig = true
			out[id] = row
			continue
		}
		out[id] = r.Default(id)
	}
	return out
}

// EnabledForPdAutomation reports whether subscription anchoring and
// presentment automation run for the agency.
func EnabledForPdAutomation(a models.AgencyRollout) bool {
	return !a.Suspended && a.PdEnabled
}

// EnabledForDunning reports whether failed charges re-enter presentment
// on the dunning schedule.
func EnabledForDunning(a models.AgencyRollout) bool {
	return !a.Suspended && a.DunningEnabled
}

// EnabledForFallback reports whether fallback intents may be created.
func EnabledForFallback(a models.AgencyRollout) bool {
	return !a.Suspended && a.FallbackEnabled
}

// CanAutoSyncFallback reports whether fallback statuses are reconciled
// on the cron schedule. Requires fallback itself to be enabled.
func CanAutoSyncFallback(a models.AgencyRollout) bool {
	return EnabledForFallback(a) && a.FallbackAutoSync
}

// ResolveCutoffHour picks the export cutoff hour for an agency: a valid
// per-agency override wins, then a valid global value; nil means no
// cutoff is enforced.
func ResolveCutoffHour(a models.AgencyRollout, globalCutoff int) *int {
	if a.CutoffOverrideHour != nil && validHour(*a.CutoffOverrideHour) {
		h := *a.CutoffOverrideHour
		return &h
	}
	if validHour(globalCutoff) {
		return &globalCutoff
	}
	return nil
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}
