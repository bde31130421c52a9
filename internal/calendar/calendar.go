// Package calendar provides business-day arithmetic for the Argentina
// operating timezone. All date keys are YYYY-MM-DD strings rendered in
// that zone.
package calendar

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DateKeyLayout is the local date key format used across the run ledger
// and billing tables.
const DateKeyLayout = "2006-01-02"

// maxScanDays bounds forward business-day scans so a malformed holiday
// set covering every day cannot loop forever.
const maxScanDays = 370

var dateKeyRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Calendar answers business-day questions for one fixed location with a
// configured holiday set.
type Calendar struct {
	loc      *time.Location
	holidays map[string]struct{}
}

// New builds a calendar for the given IANA zone name. holidaysRaw may be
// a JSON array of YYYY-MM-DD strings or a comma-separated list; invalid
// entries are dropped. An unknown zone falls back to UTC rather than
// failing, so a bad env value never takes the orchestrator down.
func New(tzName string, holidaysRaw string) *Calendar {
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc, holidays: parseHolidays(holidaysRaw)}
}

func parseHolidays(raw string) map[string]struct{} {
	set := make(map[string]struct{})
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return set
	}

	var entries []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			// Malformed JSON degrades to the CSV path below.
			entries = nil
		}
	}
	if entries == nil {
		entries = strings.Split(raw, ",")
	}

	for _, e := range entries {
		e = strings.TrimSpace(strings.Trim(strings.TrimSpace(e), `"`))
		if dateKeyRe.MatchString(e) {
			if _, err := time.ParseInLocation(DateKeyLayout, e, time.UTC); err == nil {
				set[e] = struct{}{}
			}
		}
	}
	return set
}

// Location returns the fixed operating timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// DateKey renders t as a local YYYY-MM-DD key.
func (c *Calendar) DateKey(t time.Time) string {
	return t.In(c.loc).Format(DateKeyLayout)
}

// ParseDateKey converts a YYYY-MM-DD key into local midnight of that day.
func (c *Calendar) ParseDateKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(DateKeyLayout, key, c.loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid date key %q", key)
	}
	return t, nil
}

// midnight normalizes t to 00:00 local time of its local day.
func (c *Calendar) midnight(t time.Time) time.Time {
	lt := t.In(c.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
}

// IsBusinessDay reports whether the local day of t is a weekday outside
// the holiday set.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	lt := t.In(c.loc)
	switch lt.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[lt.Format(DateKeyLayout)]
	return !holiday
}

// NextBusinessDay returns the date key of the first business day at or
// after t. The scan is bounded; exceeding it means the holiday set is
// malformed and an error is returned instead of spinning.
func (c *Calendar) NextBusinessDay(t time.Time) (string, error) {
	day := c.midnight(t)
	for i := 0; i < maxScanDays; i++ {
		if c.IsBusinessDay(day) {
			return day.Format(DateKeyLayout), nil
		}
		day = day.AddDate(0, 0, 1)
	}
	return "", errors.Newf("no business day found within %d days of %s", maxScanDays, c.DateKey(t))
}

// AddBusinessDays advances n business days from t. n=0 returns local
// midnight of t unchanged, even on a weekend or holiday.
func (c *Calendar) AddBusinessDays(t time.Time, n int) time.Time {
	day := c.midnight(t)
	for remaining := n; remaining > 0; {
		day = day.AddDate(0, 0, 1)
		if c.IsBusinessDay(day) {
			remaining--
		}
	}
	return day
}

// LocalHour returns the 0-23 hour of the instant in the operating zone.
func (c *Calendar) LocalHour(t time.Time) int {
	return t.In(c.loc).Hour()
}
