package calendar

import "time"

// Unlocker decides which days are open at a given instant. Day d unlocks at
// local midnight on day d of Month and stays open for the rest of that month.
type Unlocker struct {
	Month time.Month
	Days  int
	Loc   *time.Location
}

func (u Unlocker) local(now time.Time) time.Time {
	if u.Loc == nil {
		return now
	}
	return now.In(u.Loc)
}

func (u Unlocker) Unlocked(day int, now time.Time) bool {
	t := u.local(now)
	return t.Month() == u.Month && t.Day() >= day
}

// Available is the number of unlocked days, capped at Days.
func (u Unlocker) Available(now time.Time) int {
	t := u.local(now)
	if t.Month() != u.Month {
		return 0
	}
	return min(t.Day(), u.Days)
}
