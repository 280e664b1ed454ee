// Package term implements the end-of-term eligibility sweep.
package term

import (
	"time"

	"schoolpass/internal/records"
)

// Result carries the sweep output. When Applied is false, Students and
// Settings are the unchanged inputs.
type Result struct {
	Applied  bool
	Students []records.Student
	// Changed lists the ids of students whose flags were cleared.
	Changed  []string
	Settings records.Settings
}

// Due reports whether the sweep would fire at now.
func Due(settings records.Settings, now time.Time) bool {
	return settings.TermEndDate != nil && now.After(*settings.TermEndDate) && !settings.TermResetProcessed
}

// MaybeReset clears every paid flag once the term has ended. Payment history
// and LastPaymentDate are kept. It runs at most once per term: the returned
// settings have TermResetProcessed set, and a processed term is a no-op.
// The inputs are never modified.
func MaybeReset(settings records.Settings, students []records.Student, now time.Time) Result {
	if !Due(settings, now) {
		return Result{Students: students, Settings: settings}
	}

	out := make([]records.Student, len(students))
	var changed []string
	for i, st := range students {
		st = st.Clone()
		if st.Transport.IsPaid || st.Meal.IsPaid {
			st.Transport.IsPaid = false
			st.Meal.IsPaid = false
			changed = append(changed, st.ID)
		}
		out[i] = st
	}

	next := settings
	if settings.TermEndDate != nil {
		end := *settings.TermEndDate
		next.TermEndDate = &end
	}
	next.TermResetProcessed = true

	return Result{Applied: true, Students: out, Changed: changed, Settings: next}
}
