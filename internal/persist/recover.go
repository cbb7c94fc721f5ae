package persist

import (
	"log/slog"
	"time"

	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/seqno"
)

// DefaultSanityFloor is the earliest persisted timestamp (unix seconds)
// trusted for reboot-epoch reconciliation.
const DefaultSanityFloor int64 = 1176800000

// Recovery reconciles a consumed record with the freshly derived identity.
type Recovery struct {
	// Floor is the sanity floor in unix seconds. Zero means DefaultSanityFloor.
	Floor  int64
	Logger *slog.Logger
}

// Result is the outcome of Recovery.Apply.
type Result struct {
	Seqno   seqno.Seqno
	Matched bool
	// Shift is how far the reboot epoch moves back. Zero when the record
	// timestamp was missing or implausible.
	Shift time.Duration
}

// Apply picks the starting sequence number and epoch shift.
//
// When rec carries the same id the counter resumes at rec.Seqno+1; otherwise
// seed is used. The epoch shift is computed independently of the id match,
// and only for floor <= rec.Time <= wallNow.
func (r Recovery) Apply(rec *Record, id identity.RouterID, seed seqno.Seqno, wallNow time.Time) Result {
	res := Result{Seqno: seed}
	if rec == nil {
		return res
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("read state record", "id", rec.ID.String(), "seqno", rec.Seqno, "time", rec.Time)

	if rec.ID == id {
		res.Seqno = seqno.Plus(rec.Seqno, 1)
		res.Matched = true
	} else {
		logger.Warn("id mismatch in state record", "stored", rec.ID.String(), "current", id.String())
	}

	floor := r.Floor
	if floor == 0 {
		floor = DefaultSanityFloor
	}
	wall := wallNow.Unix()
	if rec.Time >= floor && rec.Time <= wall {
		res.Shift = time.Duration(wall-rec.Time) * time.Second
	}
	return res
}
