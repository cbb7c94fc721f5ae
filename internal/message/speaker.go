package message

import (
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/roach88/babelcore/internal/clock"
	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/network"
	"github.com/roach88/babelcore/internal/table"
	"github.com/roach88/babelcore/internal/timer"
)

const (
	// maxFlushDelay bounds how long buffered output may wait.
	maxFlushDelay = 2 * time.Second
	// urgentUpdateDelay bounds triggered updates.
	urgentUpdateDelay = 100 * time.Millisecond
	// periodicUpdateDelay bounds coalescing of non-urgent updates.
	periodicUpdateDelay = 4 * time.Second
	unicastFlushDelay   = 10 * time.Millisecond
)

// Transport sends one datagram out of the interface with the given index.
type Transport interface {
	Send(payload []byte, ifindex int, dst netip.Addr) error
}

// Config wires a Speaker to its collaborators.
type Config struct {
	Self         *identity.Self
	Tables       *table.Tables
	Interfaces   *network.Set
	Transport    Transport
	Clock        clock.Source
	Jitter       *clock.Jitter
	Logger       *slog.Logger
	Group        netip.Addr
	SplitHorizon bool
}

// outbuf accumulates TLVs for one destination.
type outbuf struct {
	body   []byte
	lastID identity.RouterID
	haveID bool
	hello  bool
}

func (b *outbuf) reset() {
	b.body = b.body[:0]
	b.haveID = false
	b.hello = false
}

// Speaker produces and consumes protocol messages. It owns the per-interface
// output buffers, the unicast buffer and the request retransmission queue.
type Speaker struct {
	cfg    Config
	logger *slog.Logger

	bufs    map[*network.Interface]*outbuf
	pending map[*network.Interface][]netip.Prefix

	unicast      outbuf
	unicastTo    *table.Neighbour
	unicastFlush timer.Timer

	resend resendQueue
}

// NewSpeaker returns a Speaker using cfg.
func NewSpeaker(cfg Config) *Speaker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		cfg:     cfg,
		logger:  logger,
		bufs:    make(map[*network.Interface]*outbuf),
		pending: make(map[*network.Interface][]netip.Prefix),
	}
}

func (s *Speaker) now() time.Time { return s.cfg.Clock.Now() }

func (s *Speaker) buf(ifc *network.Interface) *outbuf {
	b, ok := s.bufs[ifc]
	if !ok {
		b = &outbuf{}
		s.bufs[ifc] = b
	}
	return b
}

// SendHello sends a hello advertising the interface's own interval, followed
// by an IHU for every neighbour on the link.
func (s *Speaker) SendHello(ifc *network.Interface) {
	s.SendHelloNoUpdate(ifc, ifc.HelloCentis())
	ihuInterval := network.Centis(3 * ifc.HelloInterval)
	for _, n := range s.cfg.Tables.Neighbours() {
		if n.Ifc != ifc {
			continue
		}
		s.enqueue(ifc, IHU{RxCost: n.RxCost(), Interval: ihuInterval, Address: n.Address})
	}
}

// SendHelloNoUpdate buffers a hello whose interval field is hold
// centiseconds, and rearms the hello timer. Only one hello is ever buffered
// per packet.
func (s *Speaker) SendHelloNoUpdate(ifc *network.Interface, hold uint16) {
	if s.buf(ifc).hello {
		s.FlushBuf(ifc)
	}
	ifc.HelloSeqno++
	ifc.Hello.Schedule(s.now(), s.cfg.Jitter.Roughly(s.helloInterval(ifc)))
	s.enqueue(ifc, Hello{Seqno: ifc.HelloSeqno, Interval: hold})
	s.buf(ifc).hello = true
}

// SendWildcardRetraction buffers a retraction of everything this router
// announced on ifc.
func (s *Speaker) SendWildcardRetraction(ifc *network.Interface) {
	s.enqueue(ifc, Update{
		Interval: network.Centis(ifc.UpdateInterval),
		Seqno:    s.cfg.Self.Seqno,
		Metric:   table.Infinity,
	})
}

// SendSelfUpdate queues every exported route for announcement on ifc.
func (s *Speaker) SendSelfUpdate(ifc *network.Interface) {
	for _, x := range s.cfg.Tables.Xroutes() {
		s.queue(ifc, x.Prefix)
	}
	s.scheduleUpdateFlush(ifc, false)
}

// SendUpdate queues prefix for announcement on ifc. An invalid prefix queues
// a full update and rearms the periodic update timer.
func (s *Speaker) SendUpdate(ifc *network.Interface, urgent bool, prefix netip.Prefix) {
	if prefix.IsValid() {
		s.queue(ifc, prefix)
	} else {
		for _, x := range s.cfg.Tables.Xroutes() {
			s.queue(ifc, x.Prefix)
		}
		for _, r := range s.cfg.Tables.Installed() {
			s.queue(ifc, r.Prefix)
		}
		ifc.Update.Schedule(s.now(), s.cfg.Jitter.Roughly(ifc.UpdateInterval))
	}
	s.scheduleUpdateFlush(ifc, urgent)
}

// SendRequest buffers a route request on ifc. An invalid prefix requests a
// full table.
func (s *Speaker) SendRequest(ifc *network.Interface, prefix netip.Prefix) {
	s.enqueue(ifc, Request{Prefix: prefix})
}

// FlushUpdates writes the queued announcements for ifc into its buffer.
func (s *Speaker) FlushUpdates(ifc *network.Interface) {
	prefixes := s.pending[ifc]
	delete(s.pending, ifc)
	ifc.UpdateFlush.Disarm()
	if !ifc.Up {
		return
	}
	for _, p := range prefixes {
		id, u, ok := s.announcement(ifc, p)
		if !ok {
			continue
		}
		s.appendUpdate(s.buf(ifc), s.room(ifc), func() { s.FlushBuf(ifc) }, id, u)
		s.scheduleFlush(ifc)
	}
}

// FlushBuf sends the buffered packet for ifc. Send errors are logged and
// otherwise ignored.
func (s *Speaker) FlushBuf(ifc *network.Interface) {
	b := s.buf(ifc)
	ifc.Flush.Disarm()
	if len(b.body) == 0 {
		return
	}
	pkt := Packet(b.body)
	b.reset()
	if !ifc.Up {
		return
	}
	if err := s.cfg.Transport.Send(pkt, ifc.Index, s.cfg.Group); err != nil {
		s.logger.Warn("send failed", "interface", ifc.Name, "error", err)
	}
}

// FlushUnicast sends the buffered unicast packet.
func (s *Speaker) FlushUnicast() {
	s.unicastFlush.Disarm()
	to := s.unicastTo
	s.unicastTo = nil
	if len(s.unicast.body) == 0 || to == nil {
		s.unicast.reset()
		return
	}
	pkt := Packet(s.unicast.body)
	s.unicast.reset()
	if err := s.cfg.Transport.Send(pkt, to.Ifc.Index, to.Address); err != nil {
		s.logger.Warn("unicast send failed", "neighbour", to.Address.String(), "error", err)
	}
}

// NextUnicastFlush returns the unicast flush deadline, zero when nothing is
// buffered.
func (s *Speaker) NextUnicastFlush() time.Time { return s.unicastFlush.At }

// NextResend returns the earliest request retransmission deadline, zero when
// none is pending.
func (s *Speaker) NextResend() time.Time { return s.resend.nextDeadline() }

// Resend retransmits due requests on every up interface.
func (s *Speaker) Resend() {
	for _, p := range s.resend.due(s.now()) {
		for _, ifc := range s.cfg.Interfaces.Up() {
			s.SendRequest(ifc, p)
		}
	}
}

// ExpireResend drops stale retransmission entries.
func (s *Speaker) ExpireResend() int { return s.resend.expire(s.now()) }

// PendingResends returns the number of outstanding requests.
func (s *Speaker) PendingResends() int { return s.resend.len() }

// Forget drops buffered output for an interface that went down.
func (s *Speaker) Forget(ifc *network.Interface) {
	delete(s.pending, ifc)
	delete(s.bufs, ifc)
	if s.unicastTo != nil && s.unicastTo.Ifc == ifc {
		s.unicast.reset()
		s.unicastTo = nil
		s.unicastFlush.Disarm()
	}
}

// Announce queues triggered updates for prefixes on every up interface.
func (s *Speaker) Announce(prefixes []netip.Prefix) {
	if len(prefixes) == 0 {
		return
	}
	for _, ifc := range s.cfg.Interfaces.Up() {
		for _, p := range prefixes {
			s.queue(ifc, p)
		}
		s.scheduleUpdateFlush(ifc, true)
	}
}

// Changed announces route selection changes and requests prefixes that were
// lost altogether.
func (s *Speaker) Changed(prefixes []netip.Prefix) {
	s.Announce(prefixes)
	for _, p := range prefixes {
		if s.cfg.Tables.Selected(p) != nil {
			continue
		}
		if _, ok := s.cfg.Tables.Xroute(p); ok {
			continue
		}
		for _, ifc := range s.cfg.Interfaces.Up() {
			s.SendRequest(ifc, p)
		}
		s.resend.add(p, s.now())
	}
}

// Receive processes one datagram from addr, received on ifc.
func (s *Speaker) Receive(from netip.Addr, ifc *network.Interface, payload []byte) {
	tlvs, err := Parse(payload)
	if err != nil {
		s.logger.Debug("dropping malformed packet", "from", from.String(), "interface", ifc.Name, "error", err)
		return
	}
	now := s.now()
	var (
		routerID identity.RouterID
		haveID   bool
		nexthop  = from
	)
	for _, tlv := range tlvs {
		switch t := tlv.(type) {
		case Hello:
			s.cfg.Tables.Hello(ifc, from, t.Seqno, centis(t.Interval), now)
		case IHU:
			if t.Address.IsValid() && t.Address != ifc.LinkLocal {
				continue
			}
			if n := s.cfg.Tables.Neighbour(ifc, from); n != nil {
				s.Changed(s.cfg.Tables.IHU(n, t.RxCost, now))
			}
		case RouterID:
			routerID, haveID = t.ID, true
		case NextHop:
			if t.Address.IsValid() {
				nexthop = t.Address
			}
		case Update:
			s.handleUpdate(ifc, from, routerID, haveID, nexthop, t, now)
		case Request:
			s.handleRequest(ifc, from, t)
		}
	}
}

func (s *Speaker) handleUpdate(ifc *network.Interface, from netip.Addr, id identity.RouterID, haveID bool, nexthop netip.Addr, u Update, now time.Time) {
	n := s.cfg.Tables.Neighbour(ifc, from)
	if n == nil {
		s.logger.Debug("update from unknown neighbour", "from", from.String(), "interface", ifc.Name)
		return
	}
	if u.Wildcard() {
		if u.Metric == table.Infinity {
			s.Changed(s.cfg.Tables.Retract(n, now))
		}
		return
	}
	if !haveID {
		s.logger.Debug("update without router id", "from", from.String(), "prefix", u.Prefix.String())
		return
	}
	if id == s.cfg.Self.ID {
		if s.cfg.Self.Overtake(u.Seqno) {
			s.logger.Info("seqno bumped past stale announcement", "seqno", s.cfg.Self.Seqno)
			for _, x := range s.cfg.Tables.Xroutes() {
				s.Announce([]netip.Prefix{x.Prefix})
			}
		}
		return
	}
	s.resend.satisfy(u.Prefix.Masked())
	s.Changed(s.cfg.Tables.Update(n, id, u.Prefix, u.Seqno, u.Metric, centis(u.Interval), nexthop, now))
}

func (s *Speaker) handleRequest(ifc *network.Interface, from netip.Addr, r Request) {
	if !r.Prefix.IsValid() {
		s.SendUpdate(ifc, false, netip.Prefix{})
		return
	}
	n := s.cfg.Tables.Neighbour(ifc, from)
	if n == nil {
		s.SendUpdate(ifc, true, r.Prefix)
		return
	}
	id, u, ok := s.announcement(ifc, r.Prefix.Masked())
	if !ok {
		return
	}
	if s.unicastTo != nil && s.unicastTo != n {
		s.FlushUnicast()
	}
	s.unicastTo = n
	s.appendUpdate(&s.unicast, s.room(ifc), s.FlushUnicast, id, u)
	s.unicastTo = n
	s.unicastFlush.Soonest(s.now().Add(s.cfg.Jitter.Roughly(unicastFlushDelay)))
}

// announcement returns what this router currently says about p on ifc.
// Prefixes it knows nothing about are retracted.
func (s *Speaker) announcement(ifc *network.Interface, p netip.Prefix) (identity.RouterID, Update, bool) {
	u := Update{Prefix: p, Interval: network.Centis(ifc.UpdateInterval)}
	if x, ok := s.cfg.Tables.Xroute(p); ok {
		u.Seqno, u.Metric = s.cfg.Self.Seqno, x.Metric
		return s.cfg.Self.ID, u, true
	}
	if r := s.cfg.Tables.Selected(p); r != nil {
		if s.cfg.SplitHorizon && ifc.Wired && r.Neigh != nil && r.Neigh.Ifc == ifc {
			return identity.RouterID{}, Update{}, false
		}
		u.Seqno, u.Metric = r.Seqno, r.Metric()
		return r.ID, u, true
	}
	u.Seqno, u.Metric = s.cfg.Self.Seqno, table.Infinity
	return s.cfg.Self.ID, u, true
}

// helloInterval is the period of the next hello on ifc.
func (s *Speaker) helloInterval(ifc *network.Interface) time.Duration {
	if ifc.IdleHelloInterval <= 0 {
		return ifc.HelloInterval
	}
	for _, n := range s.cfg.Tables.Neighbours() {
		if n.Ifc == ifc {
			return ifc.HelloInterval
		}
	}
	return ifc.IdleHelloInterval
}

func (s *Speaker) queue(ifc *network.Interface, p netip.Prefix) {
	if !slices.Contains(s.pending[ifc], p) {
		s.pending[ifc] = append(s.pending[ifc], p)
	}
}

func (s *Speaker) room(ifc *network.Interface) int { return ifc.BufSize() - HeaderLen }

func (s *Speaker) enqueue(ifc *network.Interface, t TLV) {
	b := s.buf(ifc)
	if len(b.body)+Size(t) > s.room(ifc) {
		s.FlushBuf(ifc)
	}
	b.body = Append(b.body, t)
	s.scheduleFlush(ifc)
}

// appendUpdate writes u into b, preceded by a router-id TLV when the
// originator differs from the previous update in the same packet.
func (s *Speaker) appendUpdate(b *outbuf, room int, flush func(), id identity.RouterID, u Update) {
	needID := !b.haveID || b.lastID != id
	need := Size(u)
	if needID {
		need += Size(RouterID{})
	}
	if len(b.body)+need > room {
		flush()
		needID = true
	}
	if needID {
		b.body = Append(b.body, RouterID{ID: id})
		b.lastID, b.haveID = id, true
	}
	b.body = Append(b.body, u)
}

func (s *Speaker) scheduleFlush(ifc *network.Interface) {
	d := min(ifc.HelloInterval/2, maxFlushDelay)
	ifc.Flush.Soonest(s.now().Add(s.cfg.Jitter.Roughly(d)))
}

func (s *Speaker) scheduleUpdateFlush(ifc *network.Interface, urgent bool) {
	d := min(ifc.HelloInterval, periodicUpdateDelay)
	if urgent {
		d = min(d, urgentUpdateDelay)
	}
	ifc.UpdateFlush.Soonest(s.now().Add(s.cfg.Jitter.Roughly(d)))
}

func centis(c uint16) time.Duration {
	return time.Duration(c) * 10 * time.Millisecond
}
