// Package timer holds the reactor's named deadlines and folds them into one
// wait budget.
//
// Deadlines are coarse: one per category (hello, update, flush per interface;
// expiry, source expiry, kernel dump, neighbour check, resend globally). The
// reactor rebuilds the Schedule every iteration, so the cost is linear in the
// number of categories, never in the number of table entries.
package timer

import (
	"time"

	"github.com/roach88/babelcore/internal/clock"
)

// MinSpacing is the shortest interval Schedule will arm. It keeps a rearmed
// deadline strictly in the future.
const MinSpacing = time.Millisecond

// Idle is the wait budget when nothing at all is armed.
const Idle = time.Minute

// Timer is a single deadline. The zero value is disarmed.
type Timer struct {
	At time.Time
}

// Armed reports whether the timer has a deadline.
func (t *Timer) Armed() bool { return !t.At.IsZero() }

// Due reports whether the timer is armed and its deadline is not after now.
func (t *Timer) Due(now time.Time) bool {
	return t.Armed() && !now.Before(t.At)
}

// Schedule arms the timer d after now. d below MinSpacing is raised to it.
func (t *Timer) Schedule(now time.Time, d time.Duration) {
	if d < MinSpacing {
		d = MinSpacing
	}
	t.At = now.Add(d)
}

// ScheduleMillis is Schedule with a millisecond count.
func (t *Timer) ScheduleMillis(now time.Time, msecs int64) {
	if msecs < 1 {
		msecs = 1
	}
	t.At = clock.AddMillis(now, msecs)
}

// Override forces the timer to fire on the next evaluation.
func (t *Timer) Override(now time.Time) { t.At = now }

// Soonest lowers the deadline to at, arming the timer if it was disarmed.
func (t *Timer) Soonest(at time.Time) { clock.MinOf(&t.At, at) }

// Disarm clears the deadline.
func (t *Timer) Disarm() { t.At = time.Time{} }

// Entry is one named deadline.
type Entry struct {
	Name string
	At   time.Time
}

// Schedule is an ordered collection of named deadlines.
type Schedule struct {
	entries []Entry
	next    time.Time
	nextIdx int
}

// Reset empties the schedule, keeping its storage.
func (s *Schedule) Reset() {
	s.entries = s.entries[:0]
	s.next = time.Time{}
	s.nextIdx = -1
}

// Add records a deadline. Disarmed (zero) deadlines are skipped.
func (s *Schedule) Add(name string, at time.Time) {
	if at.IsZero() {
		return
	}
	s.entries = append(s.entries, Entry{Name: name, At: at})
	before := s.next
	clock.MinOf(&s.next, at)
	if !s.next.Equal(before) || len(s.entries) == 1 {
		s.nextIdx = len(s.entries) - 1
	}
}

// AddTimer records t under name.
func (s *Schedule) AddTimer(name string, t *Timer) { s.Add(name, t.At) }

// Len returns the number of armed deadlines recorded.
func (s *Schedule) Len() int { return len(s.entries) }

// Entries returns the recorded deadlines in insertion order.
func (s *Schedule) Entries() []Entry { return s.entries }

// Next returns the earliest deadline. On ties the first added wins.
func (s *Schedule) Next() (Entry, bool) {
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[s.nextIdx], true
}

// Budget returns how long the reactor may block: the earliest deadline minus
// now, clamped at zero, or Idle when nothing is armed.
func (s *Schedule) Budget(now time.Time) time.Duration {
	if len(s.entries) == 0 {
		return Idle
	}
	return clock.Sub(s.next, now)
}
