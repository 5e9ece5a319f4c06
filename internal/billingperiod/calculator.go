package billingperiod

import (
	"sort"
	"time"
)

// PeriodType classifies an account's billing cadence, derived from the
// median number of days between historical invoices.
type PeriodType string

const (
	PeriodBiWeekly     PeriodType = "Bi-Weekly"
	PeriodMonthly      PeriodType = "Monthly"
	PeriodBiMonthly    PeriodType = "Bi-Monthly"
	PeriodQuarterly    PeriodType = "Quarterly"
	PeriodSemiAnnually PeriodType = "Semi-Annually"
	PeriodAnnually     PeriodType = "Annually"
)

// HistoricalStatus describes how an account's expected-next date relates to
// today, derived from invoice history.
type HistoricalStatus string

const (
	HistoricalMissing  HistoricalStatus = "Missing"
	HistoricalOverdue  HistoricalStatus = "Overdue"
	HistoricalDueNow   HistoricalStatus = "Due Now"
	HistoricalDueSoon  HistoricalStatus = "Due Soon"
	HistoricalUpcoming HistoricalStatus = "Upcoming"
	HistoricalFuture   HistoricalStatus = "Future"
)

// RunStatus describes how the scheduled next-run date relates to today.
type RunStatus string

const (
	RunNow      RunStatus = "Run Now"
	RunDueSoon  RunStatus = "Due Soon"
	RunUpcoming RunStatus = "Upcoming"
	RunFuture   RunStatus = "Future"
	RunMissing  RunStatus = "Missing"
)

// Cadence bundles a classified period type with its step length and default
// billing window offsets.
type Cadence struct {
	PeriodType       PeriodType
	PeriodDays       int
	WindowDaysBefore int
	WindowDaysAfter  int
}

const (
	// DefaultMedianDays is assumed when fewer than two invoices exist.
	DefaultMedianDays = 30

	// maxStepIterations bounds the catch-up loop for feeds with very stale
	// last-invoice dates.
	maxStepIterations = 120

	// maxAnchorDay clamps month anchors so February never drifts the
	// schedule backwards.
	maxAnchorDay = 28
)

// Classify maps a median inter-invoice interval onto a cadence. Values
// outside every bucket fall back to Monthly.
func Classify(medianDays float64) Cadence {
	switch {
	case medianDays >= 271:
		return Cadence{PeriodAnnually, 365, 21, 21}
	case medianDays >= 136:
		return Cadence{PeriodSemiAnnually, 180, 14, 14}
	case medianDays >= 76:
		return Cadence{PeriodQuarterly, 90, 10, 10}
	case medianDays >= 46:
		return Cadence{PeriodBiMonthly, 60, 7, 7}
	case medianDays >= 22:
		return Cadence{PeriodMonthly, 30, 5, 5}
	case medianDays >= 7:
		return Cadence{PeriodBiWeekly, 14, 3, 3}
	default:
		return Cadence{PeriodMonthly, 30, 5, 5}
	}
}

// DefaultWindow returns the default window offsets for a period type.
func DefaultWindow(pt PeriodType) (before, after int) {
	switch pt {
	case PeriodBiWeekly:
		return 3, 3
	case PeriodBiMonthly:
		return 7, 7
	case PeriodQuarterly:
		return 10, 10
	case PeriodSemiAnnually:
		return 14, 14
	case PeriodAnnually:
		return 21, 21
	default:
		return 5, 5
	}
}

// PeriodDays returns the nominal step length in days for a period type.
func PeriodDays(pt PeriodType) int {
	switch pt {
	case PeriodBiWeekly:
		return 14
	case PeriodBiMonthly:
		return 60
	case PeriodQuarterly:
		return 90
	case PeriodSemiAnnually:
		return 180
	case PeriodAnnually:
		return 365
	default:
		return 30
	}
}

// MedianIntervalDays computes the median of the day-deltas between
// consecutive ordered invoice dates, excluding zero and negative deltas.
// Fewer than two invoices (or no usable delta) yields DefaultMedianDays.
func MedianIntervalDays(invoiceDates []time.Time) float64 {
	if len(invoiceDates) < 2 {
		return DefaultMedianDays
	}

	ordered := make([]time.Time, len(invoiceDates))
	copy(ordered, invoiceDates)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	deltas := make([]float64, 0, len(ordered)-1)
	for i := 1; i < len(ordered); i++ {
		delta := float64(DaysBetween(ordered[i-1], ordered[i]))
		if delta <= 0 {
			continue
		}
		deltas = append(deltas, delta)
	}
	if len(deltas) == 0 {
		return DefaultMedianDays
	}

	sort.Float64s(deltas)
	mid := len(deltas) / 2
	if len(deltas)%2 == 1 {
		return deltas[mid]
	}
	return (deltas[mid-1] + deltas[mid]) / 2
}

// AnchorDay returns the day-of-month anchor for a reference date, clamped to
// 28 so short months never shift the schedule.
func AnchorDay(d time.Time) int {
	day := d.Day()
	if day > maxAnchorDay {
		return maxAnchorDay
	}
	return day
}

// Step advances a date by one billing period. Month-based cadences use
// calendar arithmetic and re-apply the anchor day; Bi-Weekly adds 14 days.
func Step(pt PeriodType, from time.Time, anchorDay int) time.Time {
	from = from.UTC()
	switch pt {
	case PeriodBiWeekly:
		return from.AddDate(0, 0, 14)
	case PeriodBiMonthly:
		return stepMonths(from, 2, anchorDay)
	case PeriodQuarterly:
		return stepMonths(from, 3, anchorDay)
	case PeriodSemiAnnually:
		return stepMonths(from, 6, anchorDay)
	case PeriodAnnually:
		return stepMonths(from, 12, anchorDay)
	default:
		return stepMonths(from, 1, anchorDay)
	}
}

func stepMonths(from time.Time, months, anchorDay int) time.Time {
	if anchorDay <= 0 {
		anchorDay = AnchorDay(from)
	}
	if anchorDay > maxAnchorDay {
		anchorDay = maxAnchorDay
	}
	year, month, _ := from.Date()
	// time.Date normalizes month overflow, so December+2 lands in February.
	first := time.Date(year, month+time.Month(months), 1,
		from.Hour(), from.Minute(), from.Second(), 0, time.UTC)
	day := anchorDay
	if dim := daysInMonth(first.Year(), first.Month()); day > dim {
		day = dim
	}
	return time.Date(first.Year(), first.Month(), day,
		from.Hour(), from.Minute(), from.Second(), 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextRunAfter steps from the last invoice date until the result is on or
// after today. Well-behaved feeds need a single step; the loop is capped as
// a safety against pathological inputs.
func NextRunAfter(lastInvoice, today time.Time, pt PeriodType, anchorDay int) time.Time {
	next := Step(pt, lastInvoice, anchorDay)
	for i := 0; next.Before(startOfDay(today)) && i < maxStepIterations; i++ {
		next = Step(pt, next, anchorDay)
	}
	return next
}

// Window computes the billing window around a run date using plain day
// arithmetic.
func Window(nextRun time.Time, daysBefore, daysAfter int) (start, end time.Time) {
	return nextRun.AddDate(0, 0, -daysBefore), nextRun.AddDate(0, 0, daysAfter)
}

// DaysBetween returns whole calendar days from one date to another, computed
// from UTC midnights so clock components never skew the count.
func DaysBetween(from, to time.Time) int {
	return int(startOfDay(to).Sub(startOfDay(from)).Hours() / 24)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DeriveHistoricalStatus buckets an account by how far its expected-next
// date sits from today.
func DeriveHistoricalStatus(daysUntilExpected, periodDays, windowBefore int) HistoricalStatus {
	switch {
	case daysUntilExpected < -(periodDays * 2):
		return HistoricalMissing
	case daysUntilExpected < -windowBefore:
		return HistoricalOverdue
	case daysUntilExpected < 0:
		return HistoricalDueNow
	case daysUntilExpected <= windowBefore:
		return HistoricalDueSoon
	case daysUntilExpected <= 30:
		return HistoricalUpcoming
	default:
		return HistoricalFuture
	}
}

// DeriveRunStatus buckets the scheduled next run. A Missing historical
// status carries through unchanged.
func DeriveRunStatus(historical HistoricalStatus, daysUntilNextRun, windowBefore int) RunStatus {
	if historical == HistoricalMissing {
		return RunMissing
	}
	switch {
	case daysUntilNextRun < 0:
		return RunNow
	case daysUntilNextRun <= windowBefore:
		return RunDueSoon
	case daysUntilNextRun <= 30:
		return RunUpcoming
	default:
		return RunFuture
	}
}
