// Package clock holds the daemon's time primitives: clock sampling, saturating
// timestamp arithmetic, deadline folding and jittered intervals.
//
// Deadlines are plain time.Time values. The zero time means "not armed", so
// MinOf can fold any number of independent deadlines into one wait budget
// without a priority queue.
//
// The reboot Epoch is the origin for monotonic ages. It is anchored to the
// first clock sample and optionally shifted back to the shutdown time of the
// previous incarnation.
package clock
