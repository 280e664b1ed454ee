package admission

import "time"

// DefaultCooldownHours is the repeat-scan window applied after an admission.
const DefaultCooldownHours = 12

// Cooldown is the result of evaluating the repeat-scan window.
type Cooldown struct {
	Blocked        bool
	RemainingHours int
}

// Evaluate applies the cooldown window to the last admitted scan. Elapsed time
// is counted in whole hours, rounded down, so 11h59m is 11 hours.
func Evaluate(last *time.Time, now time.Time, windowHours int) Cooldown {
	if last == nil {
		return Cooldown{}
	}
	elapsed := int(now.Sub(*last) / time.Hour)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed < windowHours {
		return Cooldown{Blocked: true, RemainingHours: windowHours - elapsed}
	}
	return Cooldown{}
}
