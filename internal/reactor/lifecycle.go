package reactor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/roach88/babelcore/internal/clock"
	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/kernel"
	"github.com/roach88/babelcore/internal/message"
	"github.com/roach88/babelcore/internal/network"
	"github.com/roach88/babelcore/internal/persist"
	"github.com/roach88/babelcore/internal/seqno"
	"github.com/roach88/babelcore/internal/signals"
	"github.com/roach88/babelcore/internal/socket"
	"github.com/roach88/babelcore/internal/store"
	"github.com/roach88/babelcore/internal/table"
)

// Run starts the daemon, iterates until terminated and shuts down.
// Cancelling ctx raises the terminate flag.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { d.sigs.Raise(signals.Terminate) })
	defer stop()

	var loopErr error
	for {
		done, err := d.Iterate(ctx)
		if done {
			loopErr = err
			break
		}
	}
	d.Shutdown(ctx, loopErr == nil)
	return loopErr
}

// Start brings the daemon up to the point where Iterate may be called.
//
// Identity and the sequence counter are settled before any socket is opened.
// On failure every resource acquired so far is released and a *StartupError
// is returned.
func (d *Daemon) Start(ctx context.Context) error {
	if d.started {
		return errors.New("reactor: already started")
	}
	if err := d.start(ctx); err != nil {
		d.unwind()
		return err
	}
	d.started = true
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	if d.cfg.PIDFile != "" {
		pid, err := persist.CreatePIDFile(d.cfg.PIDFile, d.deps.PID)
		if err != nil {
			return &StartupError{Stage: StagePIDFile, Err: err}
		}
		d.pid = pid
	}

	if err := d.establishIdentity(); err != nil {
		return &StartupError{Stage: StageIdentity, Err: err}
	}
	d.runID = d.deps.RunID.Generate()
	d.logger = d.logger.With("run", d.runID)
	d.logger.Info("starting",
		"id", d.self.ID.String(), "origin", string(d.origin), "seqno", uint16(d.self.Seqno))

	if d.journal != nil {
		err := d.journal.BeginIncarnation(ctx, store.Incarnation{
			RunID:      d.runID,
			RouterID:   d.self.ID.String(),
			StartSeqno: uint16(d.self.Seqno),
			StartedAt:  d.clock.Now(),
		})
		if err != nil {
			d.logger.Warn("journal unavailable", "error", err)
			d.journal = nil
		}
	}

	d.ifaces = network.NewSet(d.deps.Lookup, d.logger)
	for _, ifc := range d.cfg.Interfaces {
		eff := d.cfg.Effective(ifc)
		d.ifaces.Add(eff.Name, network.Options{
			Wired:             eff.Wired,
			HelloInterval:     eff.HelloInterval,
			UpdateInterval:    eff.UpdateInterval,
			IdleHelloInterval: eff.IdleHelloInterval,
		})
	}
	d.tables = table.New(d.deps.Kernel, d.logger)
	exports, err := d.cfg.ExportPrefixes()
	if err != nil {
		return &StartupError{Stage: StageConfig, Err: err}
	}
	d.exports = exports

	sock, err := d.deps.OpenSocket(d.cfg.Port, d.cfg.Group())
	if err != nil {
		return &StartupError{Stage: StageSocket, Err: err}
	}
	d.sock = sock
	d.sock.Grow(socket.DefaultBufSize)

	if d.cfg.LocalPort > 0 && d.deps.ListenLocal != nil {
		lc, err := d.deps.ListenLocal(d.cfg.LocalPort)
		if err != nil {
			return &StartupError{Stage: StageLocal, Err: err}
		}
		d.local = lc
	}

	d.speaker = message.NewSpeaker(message.Config{
		Self:         &d.self,
		Tables:       d.tables,
		Interfaces:   d.ifaces,
		Transport:    d.sock,
		Clock:        d.clock,
		Jitter:       d.jitter,
		Logger:       d.logger,
		Group:        d.cfg.Group(),
		SplitHorizon: d.cfg.SplitHorizon,
	})

	d.sigs.Install()
	if err := d.poller.Register(d.sigs.FD(), tokSignal); err != nil {
		return &StartupError{Stage: StagePoller, Err: err}
	}
	if err := d.poller.Register(d.sock.FD(), tokProtocol); err != nil {
		return &StartupError{Stage: StagePoller, Err: err}
	}
	if d.local != nil {
		if err := d.poller.Register(d.local.ListenerFD(), tokListener); err != nil {
			return &StartupError{Stage: StagePoller, Err: err}
		}
	}
	d.probeMonitor()

	d.checkXroutes()
	d.checkInterfaces()
	d.burst()

	now := d.clock.Refresh()
	d.kernelDump.Schedule(now, d.jitter.Roughly(d.kernelDumpPeriod()))
	d.neighbourCheck.ScheduleMillis(now, initialNeighbours)
	d.expiry.Schedule(now, d.jitter.Roughly(expiryPeriod))
	d.sourceExpiry.Schedule(now, d.jitter.Roughly(sourceExpiryPeriod))
	return nil
}

// establishIdentity derives the router id, then consumes the state file to
// pick the starting sequence number and shift the reboot epoch.
func (d *Daemon) establishIdentity() error {
	if d.cfg.RouterID != "" {
		id, err := identity.Parse(d.cfg.RouterID)
		if err != nil {
			return err
		}
		if !id.Valid() {
			return fmt.Errorf("router id %s: %w", id, identity.ErrInvalidID)
		}
		d.self.ID, d.origin = id, originConfigured
	} else {
		deriver := d.deps.Deriver
		if deriver.Logger == nil {
			deriver.Logger = d.logger
		}
		names := make([]string, 0, len(d.cfg.Interfaces))
		for _, ifc := range d.cfg.Interfaces {
			names = append(names, ifc.Name)
		}
		id, origin, err := deriver.Derive(names)
		if err != nil {
			return err
		}
		d.self.ID, d.origin = id, origin
	}

	now := d.clock.Refresh()
	var rec *persist.Record
	if d.cfg.StateFile != "" {
		r, err := persist.Consume(d.cfg.StateFile)
		if err != nil {
			d.logger.Warn("ignoring state file", "path", d.cfg.StateFile, "error", err)
		} else {
			rec = r
		}
	}
	res := persist.Recovery{Logger: d.logger}.Apply(rec, d.self.ID, seqno.Seqno(d.jitter.Uint16()), now)
	d.self.Seqno = res.Seqno
	d.epoch = clock.NewEpoch(now).ShiftBack(res.Shift)
	return nil
}

// burst announces this instance on every up interface in two passes. The
// first only says hello and disclaims stale routes; the second announces
// everything and asks for everything.
func (d *Daemon) burst() {
	up := d.ifaces.Up()
	for _, ifc := range up {
		d.sleep(d.jitter.Roughly(startupDelay))
		d.clock.Refresh()
		d.speaker.SendHello(ifc)
		d.speaker.SendWildcardRetraction(ifc)
	}
	for _, ifc := range up {
		d.sleep(d.jitter.Roughly(startupDelay))
		d.clock.Refresh()
		d.speaker.SendHello(ifc)
		d.speaker.SendWildcardRetraction(ifc)
		d.speaker.SendSelfUpdate(ifc)
		d.speaker.SendRequest(ifc, netip.Prefix{})
		d.speaker.FlushUpdates(ifc)
		d.speaker.FlushBuf(ifc)
	}
}

// unwind releases whatever start acquired.
func (d *Daemon) unwind() {
	d.sigs.Uninstall()
	if d.ifaces != nil {
		for _, ifc := range d.ifaces.Up() {
			d.leave(ifc)
		}
		d.ifaces.MarkDown()
	}
	if d.monitor != nil {
		d.closeMonitor()
	}
	if d.local != nil {
		if err := d.local.Close(); err != nil {
			d.logger.Debug("close local control", "error", err)
		}
		d.local = nil
	}
	if d.sock != nil {
		if err := d.sock.Close(); err != nil {
			d.logger.Debug("close protocol socket", "error", err)
		}
		d.sock = nil
	}
	if d.pid != nil {
		if err := d.pid.Remove(); err != nil {
			d.logger.Warn("remove pid file", "error", err)
		}
		d.pid = nil
	}
	if d.journal != nil && d.runID != "" {
		ctx := context.Background()
		if err := d.journal.EndIncarnation(ctx, d.runID, uint16(d.self.Seqno), d.clock.Now(), false); err != nil {
			d.logger.Warn("journal", "error", err)
		}
	}
}

// Shutdown retracts every route, says goodbye on every interface, and
// persists the sequence counter. clean is recorded in the journal.
// Failures past this point are logged; none of them is fatal.
func (d *Daemon) Shutdown(ctx context.Context, clean bool) {
	if !d.started {
		return
	}
	d.started = false
	ctx = context.WithoutCancel(ctx)

	d.sleep(d.jitter.Roughly(startupDelay))
	now := d.clock.Refresh()
	flushed := d.tables.FlushAll()
	d.logger.Info("shutting down", "routes", flushed, "seqno", uint16(d.self.Seqno))

	up := d.ifaces.Up()
	for _, ifc := range up {
		d.speaker.SendWildcardRetraction(ifc)
		d.speaker.SendHelloNoUpdate(ifc, departureHold)
		d.speaker.FlushBuf(ifc)
		d.sleep(d.jitter.Roughly(shutdownPassDelay))
	}
	d.clock.Refresh()
	for _, ifc := range up {
		d.speaker.SendWildcardRetraction(ifc)
		d.speaker.SendHelloNoUpdate(ifc, finalDepartureHold)
		d.speaker.FlushBuf(ifc)
		d.sleep(d.jitter.Roughly(startupDelay))
		d.leave(ifc)
		d.speaker.Forget(ifc)
	}
	d.ifaces.MarkDown()

	if d.monitor != nil {
		d.closeMonitor()
	}

	now = d.clock.Refresh()
	if d.cfg.StateFile != "" {
		rec := persist.Record{ID: d.self.ID, Seqno: d.self.Seqno, Time: now.Unix()}
		if err := persist.Save(d.cfg.StateFile, rec); err != nil {
			d.logger.Error("save state", "path", d.cfg.StateFile, "error", err)
		}
	}
	if d.journal != nil {
		if err := d.journal.EndIncarnation(ctx, d.runID, uint16(d.self.Seqno), now, clean); err != nil {
			d.logger.Warn("journal", "error", err)
		}
	}
	if d.local != nil {
		if d.localConnFD >= 0 {
			d.poller.Unregister(d.localConnFD)
			d.localConnFD = -1
		}
		d.poller.Unregister(d.local.ListenerFD())
		if err := d.local.Close(); err != nil {
			d.logger.Warn("close local control", "error", err)
		}
		d.local = nil
	}
	d.poller.Unregister(d.sock.FD())
	if err := d.sock.Close(); err != nil {
		d.logger.Warn("close protocol socket", "error", err)
	}
	d.sock = nil
	if d.pid != nil {
		if err := d.pid.Remove(); err != nil {
			d.logger.Warn("remove pid file", "error", err)
		}
		d.pid = nil
	}
	d.poller.Unregister(d.sigs.FD())
	d.sigs.Uninstall()
}

// probeMonitor opens the kernel notification channel if it is closed.
// Failure leaves the daemon polling the kernel.
func (d *Daemon) probeMonitor() {
	if d.monitor != nil || d.deps.OpenMonitor == nil {
		return
	}
	m, err := d.deps.OpenMonitor()
	if errors.Is(err, kernel.ErrUnsupported) {
		// Stop probing where it can never work.
		d.deps.OpenMonitor = nil
		return
	}
	if err != nil {
		d.logger.Debug("kernel monitor unavailable", "error", err)
		return
	}
	if err := d.poller.Register(m.FD(), tokKernel); err != nil {
		d.logger.Warn("kernel monitor", "error", err)
		_ = m.Close()
		return
	}
	d.monitor = m
}

func (d *Daemon) closeMonitor() {
	d.poller.Unregister(d.monitor.FD())
	if err := d.monitor.Close(); err != nil {
		d.logger.Debug("close kernel monitor", "error", err)
	}
	d.monitor = nil
}

func (d *Daemon) kernelDumpPeriod() time.Duration {
	if d.monitor != nil {
		return monitoredDumpPeriod
	}
	return pollingDumpPeriod
}

// checkInterfaces re-enumerates interfaces and applies up/down transitions.
func (d *Daemon) checkInterfaces() {
	for _, tr := range d.ifaces.Check() {
		if tr.Up {
			d.interfaceUp(tr.Ifc)
		} else {
			d.interfaceDown(tr.Ifc, tr.Index)
		}
	}
}

func (d *Daemon) interfaceUp(ifc *network.Interface) {
	d.logger.Info("interface up", "interface", ifc.Name, "index", ifc.Index, "mtu", ifc.MTU)
	if err := d.sock.Join(ifc.Index); err != nil {
		d.logger.Warn("join multicast group", "interface", ifc.Name, "error", err)
	}
	d.sock.Grow(ifc.MTU)
	now := d.clock.Now()
	ifc.Hello.Override(now)
	ifc.Update.Override(now)
	d.speaker.SendRequest(ifc, netip.Prefix{})
}

// interfaceDown tears down ifc, which was up on index.
func (d *Daemon) interfaceDown(ifc *network.Interface, index int) {
	d.logger.Info("interface down", "interface", ifc.Name, "index", index)
	d.leaveIndex(ifc.Name, index)
	d.speaker.Forget(ifc)
	changed := d.tables.FlushInterface(ifc, d.clock.Now())
	ifc.DisarmTimers()
	d.speaker.Changed(changed)
}

func (d *Daemon) leave(ifc *network.Interface) { d.leaveIndex(ifc.Name, ifc.Index) }

func (d *Daemon) leaveIndex(name string, index int) {
	if d.sock == nil || index <= 0 {
		return
	}
	if err := d.sock.Leave(index); err != nil {
		d.logger.Debug("leave multicast group", "interface", name, "error", err)
	}
}

// checkXroutes rebuilds the exported routes from the configuration and the
// import table, and announces whatever changed.
func (d *Daemon) checkXroutes() {
	want := make([]table.Xroute, 0, len(d.exports))
	for _, e := range d.exports {
		want = append(want, table.Xroute{Prefix: e.Prefix, Metric: e.Metric})
	}
	if d.deps.ImportTable != nil {
		for _, r := range d.deps.ImportTable.Routes() {
			p := r.Prefix.Masked()
			// Routes this daemon installed are not re-exported.
			if d.tables.Selected(p) != nil {
				continue
			}
			if slices.ContainsFunc(want, func(x table.Xroute) bool { return x.Prefix == p }) {
				continue
			}
			want = append(want, table.Xroute{Prefix: p, Metric: exportMetric(r.Metric)})
		}
	}
	changed := d.tables.CheckXroutes(want)
	if len(changed) > 0 {
		d.logger.Debug("exported routes changed", "count", len(changed))
		d.speaker.Changed(changed)
	}
}

func exportMetric(m int) uint16 {
	switch {
	case m < 0:
		return 0
	case m > int(maxExportMetric):
		return maxExportMetric
	}
	return uint16(m)
}
