package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/roach88/babelcore/internal/kernel"
	"github.com/roach88/babelcore/internal/local"
	"github.com/roach88/babelcore/internal/signals"
	"github.com/roach88/babelcore/internal/socket"
)

// Iterate runs one pass of the event loop. It reports done once the
// terminate flag was observed or the loop cannot continue; err is set only
// in the latter case.
func (d *Daemon) Iterate(ctx context.Context) (done bool, err error) {
	now := d.clock.Refresh()
	budget := d.budget(now)
	d.probeMonitor()

	ready, werr := d.poller.Wait(budget)
	if werr != nil {
		d.logger.Error("wait failed", "error", werr)
		d.sleep(errorBackoff)
		ready = 0
	}
	now = d.clock.Refresh()

	if ready.Has(tokSignal) {
		d.sigs.Drain()
	}
	if d.sigs.Take(signals.Terminate) {
		return true, nil
	}

	var change kernel.Change
	if ready.Has(tokKernel) && d.monitor != nil {
		change = d.readMonitor()
	}
	if ready.Has(tokProtocol) {
		d.receive()
	}
	if ready.Has(tokListener) && d.local != nil {
		d.acceptLocal(ctx)
	}
	if ready.Has(tokLocalConn) && d.local != nil {
		d.readLocal(ctx)
	}

	if d.sigs.Take(signals.Reload) {
		d.kernelDump.Override(now)
		d.neighbourCheck.Override(now)
		d.expiry.Override(now)
		if d.deps.LogFile != nil {
			if err := d.deps.LogFile.Reopen(); err != nil {
				d.logger.Error("reopen log", "error", err)
				return true, fmt.Errorf("reopen log: %w", err)
			}
		}
	}

	if change.Has(kernel.ChangeLink) || change.Has(kernel.ChangeAddr) {
		d.checkInterfaces()
	}
	if change.Has(kernel.ChangeRoute) || change.Has(kernel.ChangeAddr) || d.kernelDump.Due(now) {
		d.checkXroutes()
		d.kernelDump.Schedule(now, d.jitter.Roughly(d.kernelDumpPeriod()))
	}

	if d.neighbourCheck.Due(now) {
		next, changed := d.tables.CheckNeighbours(now)
		d.speaker.Changed(changed)
		d.neighbourCheck.Schedule(now, max(d.jitter.Roughly(next), minNeighbourCheck))
	}

	if d.expiry.Due(now) {
		d.checkInterfaces()
		d.speaker.Changed(d.tables.ExpireRoutes(now))
		if n := d.speaker.ExpireResend(); n > 0 {
			d.logger.Debug("gave up on requests", "count", n)
		}
		d.expiry.Schedule(now, d.jitter.Roughly(expiryPeriod))
	}

	if d.sourceExpiry.Due(now) {
		if n := d.tables.ExpireSources(now); n > 0 {
			d.logger.Debug("expired sources", "count", n)
		}
		d.sourceExpiry.Schedule(now, d.jitter.Roughly(sourceExpiryPeriod))
	}

	for _, ifc := range d.ifaces.Up() {
		if ifc.Hello.Due(now) {
			d.speaker.SendHello(ifc)
		}
		if ifc.Update.Due(now) {
			d.speaker.SendUpdate(ifc, false, netip.Prefix{})
		}
		if ifc.UpdateFlush.Due(now) {
			d.speaker.FlushUpdates(ifc)
		}
	}

	if at := d.speaker.NextResend(); !at.IsZero() && !now.Before(at) {
		d.speaker.Resend()
	}
	if at := d.speaker.NextUnicastFlush(); !at.IsZero() && !now.Before(at) {
		d.speaker.FlushUnicast()
	}

	for _, ifc := range d.ifaces.Up() {
		if ifc.Flush.Due(now) {
			d.speaker.FlushBuf(ifc)
		}
	}

	if d.sigs.Take(signals.Dump) {
		d.dump(ctx, d.deps.Output, true)
	} else if d.cfg.Debug != 0 {
		d.dump(ctx, d.deps.Output, false)
	}
	return false, nil
}

// budget folds every armed deadline into the time the poller may block.
func (d *Daemon) budget(now time.Time) time.Duration {
	s := &d.sched
	s.Reset()
	s.AddTimer("kernel-dump", &d.kernelDump)
	s.AddTimer("neighbours", &d.neighbourCheck)
	s.AddTimer("expiry", &d.expiry)
	s.AddTimer("source-expiry", &d.sourceExpiry)
	s.Add("resend", d.speaker.NextResend())
	s.Add("unicast-flush", d.speaker.NextUnicastFlush())
	for _, ifc := range d.ifaces.Up() {
		s.AddTimer("hello", &ifc.Hello)
		s.AddTimer("update", &ifc.Update)
		s.AddTimer("update-flush", &ifc.UpdateFlush)
		s.AddTimer("flush", &ifc.Flush)
	}
	b := s.Budget(now)
	if next, ok := s.Next(); ok && d.cfg.Debug >= 2 {
		d.logger.Debug("sleeping", "budget", b, "next", next.Name)
	}
	return b
}

func (d *Daemon) readMonitor() kernel.Change {
	change, err := d.monitor.Read()
	if err != nil {
		// Reopened on the next iteration.
		d.logger.Warn("kernel monitor failed", "error", err)
		d.closeMonitor()
	}
	return change
}

// receive reads one datagram. Datagrams that arrive on an interface the
// daemon does not manage are dropped.
func (d *Daemon) receive() {
	dg, err := d.sock.Recv()
	switch {
	case errors.Is(err, socket.ErrWouldBlock):
		return
	case err != nil:
		d.logger.Warn("receive failed", "error", err)
		d.sleep(errorBackoff)
		return
	}
	ifc := d.ifaces.ByIndex(dg.Ifindex)
	if ifc == nil {
		return
	}
	d.speaker.Receive(dg.From, ifc, dg.Payload)
}

func (d *Daemon) acceptLocal(ctx context.Context) {
	err := d.local.Accept()
	switch {
	case errors.Is(err, local.ErrWouldBlock):
		return
	case err != nil:
		d.logger.Warn("local accept failed", "error", err)
		return
	}
	d.syncLocalConn()
	if w := d.local.Writer(); w != nil {
		d.dump(ctx, w, false)
		// A failed write drops the connection.
		d.syncLocalConn()
	}
}

func (d *Daemon) readLocal(ctx context.Context) {
	cmd, err := d.local.Read()
	if err != nil && !errors.Is(err, local.ErrWouldBlock) && !errors.Is(err, io.EOF) {
		d.logger.Debug("local read failed", "error", err)
	}
	if cmd == local.CommandDump {
		if w := d.local.Writer(); w != nil {
			d.dump(ctx, w, false)
		}
	}
	d.syncLocalConn()
}

// syncLocalConn keeps the poller registration in step with the accepted
// connection.
func (d *Daemon) syncLocalConn() {
	fd := d.local.ConnFD()
	if fd == d.localConnFD {
		return
	}
	if d.localConnFD >= 0 {
		d.poller.Unregister(d.localConnFD)
	}
	if fd >= 0 {
		if err := d.poller.Register(fd, tokLocalConn); err != nil {
			d.logger.Warn("local connection", "error", err)
		}
	}
	d.localConnFD = fd
}
