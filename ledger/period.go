package ledger

import (
	"sync"
	"time"
)

// =============================================================================
// COMPLIANCE PERIOD - Fixed annual boundary
// =============================================================================

// CompliancePeriod is the half-open interval [ClosedLowerBound, OpenUpperBound)
// of one compliance year.
type CompliancePeriod struct {
	Year             int
	ClosedLowerBound time.Time
	OpenUpperBound   time.Time
}

// Contains returns true if t falls within the period.
func (p CompliancePeriod) Contains(t time.Time) bool {
	return !t.Before(p.ClosedLowerBound) && t.Before(p.OpenUpperBound)
}

// Window converts the period into a transaction query window.
func (p CompliancePeriod) Window() Window {
	return Window{From: p.ClosedLowerBound, To: p.OpenUpperBound}
}

// =============================================================================
// CALENDAR - Resolves compliance years to periods
// =============================================================================

// Calendar maps a compliance year to its period. Compliance year N runs from
// October 1 of N to October 1 of N+1, at midnight in Location. Only years in
// the model-year enum have a period.
//
// A Calendar is safe for concurrent use; results are memoized.
type Calendar struct {
	Location   *time.Location
	StartMonth time.Month
	StartDay   int

	mu    sync.RWMutex
	cache map[int]CompliancePeriod
}

// NewCalendar returns the canonical October-1 calendar in loc (UTC if nil).
func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{Location: loc, StartMonth: time.October, StartDay: 1}
}

// CompliancePeriod returns the period of a compliance year.
func (c *Calendar) CompliancePeriod(year int) (CompliancePeriod, error) {
	if !ModelYear(year).Valid() {
		return CompliancePeriod{}, &UnknownComplianceYearError{Year: year}
	}

	c.mu.RLock()
	p, ok := c.cache[year]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p = CompliancePeriod{
		Year:             year,
		ClosedLowerBound: time.Date(year, c.StartMonth, c.StartDay, 0, 0, 0, 0, c.Location),
		OpenUpperBound:   time.Date(year+1, c.StartMonth, c.StartDay, 0, 0, 0, 0, c.Location),
	}

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[int]CompliancePeriod)
	}
	c.cache[year] = p
	c.mu.Unlock()
	return p, nil
}

// YearOf returns the compliance year containing t.
func (c *Calendar) YearOf(t time.Time) int {
	local := t.In(c.Location)
	start := time.Date(local.Year(), c.StartMonth, c.StartDay, 0, 0, 0, 0, c.Location)
	if local.Before(start) {
		return local.Year() - 1
	}
	return local.Year()
}

// SnapshotBoundary returns the instant from which transactions are folded on
// top of the ending balances of snapshotYear: the close of that year.
func (c *Calendar) SnapshotBoundary(snapshotYear int) (time.Time, error) {
	p, err := c.CompliancePeriod(snapshotYear)
	if err != nil {
		return time.Time{}, err
	}
	return p.OpenUpperBound, nil
}
