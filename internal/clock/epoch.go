package clock

import "time"

// Epoch is the monotonic origin for age computations. It is fixed once at
// startup and may be shifted backward to continue the previous run's
// timeline (see persist.Recovery).
type Epoch struct {
	origin time.Time
}

// NewEpoch anchors the epoch at now, which must be a monotonic sample.
func NewEpoch(now time.Time) Epoch {
	return Epoch{origin: now}
}

// Origin returns the anchor sample.
func (e Epoch) Origin() time.Time {
	return e.origin
}

// Elapsed returns the time since the epoch, never negative.
func (e Epoch) Elapsed(now time.Time) time.Duration {
	return Sub(now, e.origin)
}

// ShiftBack moves the origin d into the past.
func (e Epoch) ShiftBack(d time.Duration) Epoch {
	if d <= 0 {
		return e
	}
	return Epoch{origin: e.origin.Add(-d)}
}
