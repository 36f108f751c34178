package chatlog

import "time"

// DefaultRetentionDays keeps today plus two full prior days.
const DefaultRetentionDays = 2

// Window is the trailing span of live buckets. It is the only place day
// boundaries are computed.
type Window struct {
	Days     int
	Location *time.Location
}

// Cutoff returns the oldest day key still inside the window at now.
func (w Window) Cutoff(now time.Time) DayKey {
	loc := orLocal(w.Location)
	y, m, d := now.In(loc).Date()
	return DayKey(time.Date(y, m, d-w.Days, 0, 0, 0, 0, loc).Format(dayKeyLayout))
}

// Valid reports whether key is a well-formed YYYYMMDD day.
func (w Window) Valid(key DayKey) bool {
	t, err := time.ParseInLocation(dayKeyLayout, string(key), orLocal(w.Location))
	return err == nil && t.Format(dayKeyLayout) == string(key)
}

// Contains reports whether key is well-formed and not older than the cutoff.
func (w Window) Contains(key DayKey, now time.Time) bool {
	return w.Valid(key) && key >= w.Cutoff(now)
}

// Filter keeps only in-window buckets and reports how many malformed keys
// were dropped.
func (w Window) Filter(g Groups, now time.Time) (Groups, int) {
	out := make(Groups, len(g))
	malformed := 0
	for k, msgs := range g {
		if !w.Valid(k) {
			malformed++
			continue
		}
		if w.Contains(k, now) {
			out[k] = msgs
		}
	}
	return out, malformed
}
