package table

import (
	"net/netip"
	"time"

	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/seqno"
)

const (
	// routeGCDelay is how long a retracted route is kept before it is
	// forgotten.
	routeGCDelay = 180 * time.Second
	// minRouteExpiry bounds the expiry of routes advertised with tiny
	// intervals.
	minRouteExpiry = 10 * time.Second
	// SourceGCTime is how long an unreferenced source is kept.
	SourceGCTime = 200 * time.Second
)

// Route is a route learned from a neighbour.
type Route struct {
	Prefix    netip.Prefix
	ID        identity.RouterID
	Seqno     seqno.Seqno
	RefMetric uint16
	Neigh     *Neighbour
	NextHop   netip.Addr
	Interval  time.Duration
	Time      time.Time

	Feasible  bool
	Installed bool
}

// Metric is the advertised metric plus the cost of the link to the
// neighbour, saturating at Infinity.
func (r *Route) Metric() uint16 {
	if r.RefMetric == Infinity {
		return Infinity
	}
	cost := uint32(Infinity)
	if r.Neigh != nil {
		cost = uint32(r.Neigh.Cost())
	}
	if cost == uint32(Infinity) {
		return Infinity
	}
	m := uint32(r.RefMetric) + cost
	if m >= uint32(Infinity) {
		return Infinity - 1
	}
	return uint16(m)
}

// Retracted reports whether the neighbour withdrew the route.
func (r *Route) Retracted() bool { return r.RefMetric == Infinity }

func (r *Route) expiry() time.Duration {
	return max(r.Interval*7/2, minRouteExpiry)
}

// Source is a feasibility distance: the best (seqno, metric) this router has
// announced for a prefix originated by a given router id.
type Source struct {
	Prefix netip.Prefix
	ID     identity.RouterID
	Seqno  seqno.Seqno
	Metric uint16
	Time   time.Time
}

// feasible applies the feasibility condition to an update for src.
func (src *Source) feasible(s seqno.Seqno, refmetric uint16) bool {
	if src == nil || refmetric == Infinity {
		return true
	}
	c := seqno.Compare(s, src.Seqno)
	return c > 0 || (c == 0 && refmetric < src.Metric)
}

// improve lowers the feasibility distance to (s, metric) when it is better.
func (src *Source) improve(s seqno.Seqno, metric uint16, now time.Time) {
	c := seqno.Compare(s, src.Seqno)
	if c > 0 || (c == 0 && metric < src.Metric) {
		src.Seqno = s
		src.Metric = metric
	}
	src.Time = now
}

// Xroute is a locally originated (exported) route.
type Xroute struct {
	Prefix netip.Prefix
	Metric uint16
}
