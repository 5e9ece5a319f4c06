// Package progress defines the callback conventions long operations use to
// report to their caller.
package progress

// Func receives (current, total) updates. Negative current values signal the
// mark-in-progress setup phase; values below the ApplyPhaseOffset signal the
// database-apply phase of a manual status check. Callers display those
// phases differently.
type Func func(current, total int)

// SubstepFunc receives the name of the sync substep being entered.
type SubstepFunc func(name string)

// ApplyPhaseOffset marks apply-phase progress values.
const ApplyPhaseOffset = -1_000_000

// Report invokes f when non-nil.
func (f Func) Report(current, total int) {
	if f != nil {
		f(current, total)
	}
}

// Setup reports a mark-in-progress update as a negative current value.
func (f Func) Setup(processed int) {
	if f != nil {
		f(-processed, 0)
	}
}

// Apply reports a database-apply update below ApplyPhaseOffset.
func (f Func) Apply(processed int) {
	if f != nil {
		f(ApplyPhaseOffset-processed, 0)
	}
}

// Enter invokes f when non-nil.
func (f SubstepFunc) Enter(name string) {
	if f != nil {
		f(name)
	}
}
