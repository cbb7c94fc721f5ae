package table

import (
	"math/bits"
	"net/netip"
	"time"

	"github.com/roach88/babelcore/internal/network"
	"github.com/roach88/babelcore/internal/seqno"
)

// Infinity is the metric of an unreachable route.
const Infinity uint16 = 0xFFFF

const (
	// WiredCost is the link cost of a wired interface with a healthy
	// neighbour.
	WiredCost uint16 = 96
	// wirelessBase is the per-hop cost of a perfect wireless link.
	wirelessBase = 256

	// neighbourTimeout drops a neighbour not heard from for this long
	// regardless of its advertised interval.
	neighbourTimeout = 300 * time.Second
	// DefaultCheckInterval is returned by CheckNeighbours when no neighbour
	// constrains it.
	DefaultCheckInterval = 50 * time.Second
)

// Neighbour is an adjacent router heard on one interface.
type Neighbour struct {
	Address netip.Addr
	Ifc     *network.Interface

	// Reach records received hellos, most recent in the high bit.
	Reach         uint16
	HelloSeqno    seqno.Seqno
	HelloInterval time.Duration
	HelloTime     time.Time
	// TxCost is our cost as reported by the neighbour's IHU.
	TxCost  uint16
	IHUTime time.Time

	missed int
}

// hello records a hello with the given sequence number.
func (n *Neighbour) hello(s seqno.Seqno, interval time.Duration, now time.Time) {
	if n.HelloTime.IsZero() {
		n.Reach = 0x8000
	} else {
		gap := int(seqno.Minus(s, n.HelloSeqno))
		switch {
		case gap <= 0 || gap > 16:
			// Neighbour restarted or we lost track.
			n.Reach = 0x8000
		default:
			lost := gap - 1 - n.missed
			if lost > 0 {
				n.Reach >>= uint(lost)
			}
			n.Reach = n.Reach>>1 | 0x8000
		}
	}
	n.HelloSeqno = s
	n.HelloInterval = interval
	n.HelloTime = now
	n.missed = 0
}

// RxCost is the cost of receiving from this neighbour, derived from the
// reachability bits.
func (n *Neighbour) RxCost() uint16 {
	if n.Reach == 0 {
		return Infinity
	}
	if n.Ifc != nil && n.Ifc.Wired {
		// Two of the last three hellos.
		if bits.OnesCount16(n.Reach&0xE000) >= 2 {
			return WiredCost
		}
		return Infinity
	}
	received := bits.OnesCount16(n.Reach)
	cost := wirelessBase * 16 / received
	if cost >= int(Infinity) {
		return Infinity - 1
	}
	return uint16(cost)
}

// Cost is the link cost used in route metrics.
func (n *Neighbour) Cost() uint16 {
	rx := n.RxCost()
	if rx == Infinity || n.TxCost == Infinity {
		return Infinity
	}
	if n.Ifc != nil && n.Ifc.Wired {
		return max(n.TxCost, rx)
	}
	c := (uint32(n.TxCost)*uint32(rx) + wirelessBase/2) / wirelessBase
	if c >= uint32(Infinity) {
		return Infinity - 1
	}
	return uint16(c)
}

// check accounts for hellos missed since the last one and reports whether
// the neighbour should be dropped.
func (n *Neighbour) check(now time.Time) (drop bool) {
	elapsed := now.Sub(n.HelloTime)
	if elapsed > neighbourTimeout {
		return true
	}
	if n.HelloInterval <= 0 {
		return false
	}
	// Allow half an interval of slack before counting a hello as lost.
	missed := int((elapsed - n.HelloInterval/2) / n.HelloInterval)
	if missed > n.missed {
		n.Reach >>= uint(missed - n.missed)
		n.missed = missed
	}
	return n.Reach == 0
}
