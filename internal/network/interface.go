// Package network tracks the interfaces the daemon manages and their
// per-interface protocol timers.
package network

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/roach88/babelcore/internal/seqno"
	"github.com/roach88/babelcore/internal/timer"
)

const (
	// DefaultMTU is assumed until the kernel reports a real value.
	DefaultMTU = 1500
	// headerOverhead covers the IPv6 and UDP headers.
	headerOverhead = 40 + 8
	minBufSize     = 512
)

// Interface is one managed link.
type Interface struct {
	Name      string
	Index     int
	MTU       int
	Up        bool
	Wired     bool
	LinkLocal netip.Addr

	HelloInterval  time.Duration
	UpdateInterval time.Duration
	// IdleHelloInterval, when set, replaces HelloInterval while the link has
	// no neighbours.
	IdleHelloInterval time.Duration
	HelloSeqno        seqno.Seqno

	// Hello fires the periodic hello. Update fires the periodic full update.
	// UpdateFlush writes coalesced updates into the output buffer and Flush
	// sends the buffer.
	Hello       timer.Timer
	Update      timer.Timer
	UpdateFlush timer.Timer
	Flush       timer.Timer
}

// BufSize is the largest protocol payload that fits one datagram on this
// link.
func (i *Interface) BufSize() int {
	n := i.MTU - headerOverhead
	if n < minBufSize {
		return minBufSize
	}
	return n
}

// HelloCentis returns the hello interval in centiseconds as carried on the
// wire, saturated to 16 bits.
func (i *Interface) HelloCentis() uint16 {
	return Centis(i.HelloInterval)
}

// DisarmTimers clears all four timers.
func (i *Interface) DisarmTimers() {
	i.Hello.Disarm()
	i.Update.Disarm()
	i.UpdateFlush.Disarm()
	i.Flush.Disarm()
}

func (i *Interface) String() string {
	return fmt.Sprintf("%s(%d)", i.Name, i.Index)
}

// Centis converts d to centiseconds, rounding up and saturating at 0xFFFF.
func Centis(d time.Duration) uint16 {
	if d <= 0 {
		return 0
	}
	c := (d + 10*time.Millisecond - 1) / (10 * time.Millisecond)
	if c > 0xFFFF {
		return 0xFFFF
	}
	return uint16(c)
}
