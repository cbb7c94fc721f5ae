package message

import (
	"net/netip"
	"slices"
	"time"

	"github.com/roach88/babelcore/internal/clock"
)

const (
	resendInitialDelay = time.Second
	resendMaxAttempts  = 3
	// resendMaxAge drops requests that were never satisfied nor exhausted,
	// e.g. because every interface went down.
	resendMaxAge = 30 * time.Second
)

// pendingRequest is a route request awaiting an answer.
type pendingRequest struct {
	prefix   netip.Prefix
	attempts int
	delay    time.Duration
	next     time.Time
	since    time.Time
}

// resendQueue retransmits route requests with exponential backoff until an
// update for the prefix arrives or the attempts run out.
type resendQueue struct {
	entries []*pendingRequest
}

// add records a request just sent for prefix. A prefix already queued keeps
// its schedule.
func (q *resendQueue) add(prefix netip.Prefix, now time.Time) {
	if slices.ContainsFunc(q.entries, func(p *pendingRequest) bool { return p.prefix == prefix }) {
		return
	}
	q.entries = append(q.entries, &pendingRequest{
		prefix:   prefix,
		attempts: 1,
		delay:    resendInitialDelay,
		next:     now.Add(resendInitialDelay),
		since:    now,
	})
}

// satisfy drops the request for prefix, if any.
func (q *resendQueue) satisfy(prefix netip.Prefix) bool {
	n := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(p *pendingRequest) bool { return p.prefix == prefix })
	return len(q.entries) != n
}

// nextDeadline returns the earliest retransmission deadline, zero when empty.
func (q *resendQueue) nextDeadline() time.Time {
	var at time.Time
	for _, p := range q.entries {
		clock.MinOf(&at, p.next)
	}
	return at
}

// due returns the prefixes to retransmit now and advances their schedule.
// Requests that reached the attempt limit are dropped after their last send.
func (q *resendQueue) due(now time.Time) []netip.Prefix {
	var out []netip.Prefix
	q.entries = slices.DeleteFunc(q.entries, func(p *pendingRequest) bool {
		if now.Before(p.next) {
			return false
		}
		out = append(out, p.prefix)
		p.attempts++
		if p.attempts >= resendMaxAttempts {
			return true
		}
		p.delay *= 2
		p.next = now.Add(p.delay)
		return false
	})
	return out
}

// expire drops requests older than resendMaxAge.
func (q *resendQueue) expire(now time.Time) int {
	n := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(p *pendingRequest) bool {
		return now.Sub(p.since) > resendMaxAge
	})
	return n - len(q.entries)
}

func (q *resendQueue) len() int { return len(q.entries) }
