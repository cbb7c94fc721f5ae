package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Source samples the current time.
//
// The reactor never reads the clock implicitly: it calls Now at the top of
// every iteration, after the blocking wait, and after anything that may have
// slept. Every decision in between uses that one sample.
type Source interface {
	Now() time.Time
}

// System samples the process clock. The returned time carries Go's monotonic
// reading, so differences between two samples are immune to wall-clock steps.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// Compare orders two timestamps: -1 if a is before b, 0 if equal, 1 if after.
func Compare(a, b time.Time) int {
	return a.Compare(b)
}

// Sub returns a-b, saturating at zero instead of going negative.
func Sub(a, b time.Time) time.Duration {
	if !a.After(b) {
		return 0
	}
	// time.Time.Sub already clamps to the largest duration on overflow.
	return a.Sub(b)
}

// AddMillis returns t plus msecs milliseconds. Negative offsets are clamped
// to zero and very large offsets saturate at the largest representable
// duration.
func AddMillis(t time.Time, msecs int64) time.Time {
	if msecs <= 0 {
		return t
	}
	const maxMillis = int64(1<<63-1) / int64(time.Millisecond)
	if msecs > maxMillis {
		msecs = maxMillis
	}
	return t.Add(time.Duration(msecs) * time.Millisecond)
}

// MinOf lowers *deadline to candidate when candidate is armed and sooner.
// A zero time means "not armed" on both sides.
func MinOf(deadline *time.Time, candidate time.Time) {
	if candidate.IsZero() {
		return
	}
	if deadline.IsZero() || candidate.Before(*deadline) {
		*deadline = candidate
	}
}

// Jitter perturbs intervals so that daemons sharing a link do not fire their
// periodic traffic in lockstep.
type Jitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitter returns a Jitter seeded from seed. Tests pass a fixed seed.
func NewJitter(seed uint64) *Jitter {
	return &Jitter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Roughly returns a value in [d*3/4, d*5/4).
func (j *Jitter) Roughly(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	lo := d * 3 / 4
	span := d / 2
	if span <= 0 {
		return d
	}
	j.mu.Lock()
	n := j.rng.Int64N(int64(span))
	j.mu.Unlock()
	return lo + time.Duration(n)
}

// Uint16 returns a pseudo-random 16-bit value, used to seed the sequence
// counter of a fresh instance.
func (j *Jitter) Uint16() uint16 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return uint16(j.rng.Uint32())
}

// Sampled caches one reading of a Source until Refresh is called. The reactor
// hands it to collaborators so that everything done in one iteration sees the
// same timestamp.
type Sampled struct {
	src Source
	now time.Time
}

// NewSampled returns a Sampled primed with one reading of src.
func NewSampled(src Source) *Sampled {
	return &Sampled{src: src, now: src.Now()}
}

// Refresh takes a new reading and returns it.
func (s *Sampled) Refresh() time.Time {
	s.now = s.src.Now()
	return s.now
}

// Now returns the cached reading.
func (s *Sampled) Now() time.Time {
	return s.now
}
