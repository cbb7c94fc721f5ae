package reactor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/kernel"
	"github.com/roach88/babelcore/internal/message"
	"github.com/roach88/babelcore/internal/persist"
	"github.com/roach88/babelcore/internal/table"
)

func hasTLV(packets [][]message.TLV, match func(message.TLV) bool) bool {
	for _, p := range packets {
		for _, tlv := range p {
			if match(tlv) {
				return true
			}
		}
	}
	return false
}

func isHello(tlv message.TLV) bool {
	_, ok := tlv.(message.Hello)
	return ok
}

func isWildcardRetraction(tlv message.TLV) bool {
	u, ok := tlv.(message.Update)
	return ok && u.Wildcard() && u.Metric == table.Infinity
}

func isHelloWithInterval(interval uint16) func(message.TLV) bool {
	return func(tlv message.TLV) bool {
		h, ok := tlv.(message.Hello)
		return ok && h.Interval == interval
	}
}

func TestStart_AnnouncesPresence(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.True(t, f.sigs.installed)
	assert.Equal(t, tokSignal, f.poller.registered[signalFD])
	assert.Equal(t, tokProtocol, f.poller.registered[sockFD])
	assert.Equal(t, tokListener, f.poller.registered[listenFD])
	assert.Equal(t, tokKernel, f.poller.registered[monitorFD])

	assert.Equal(t, []int{ifindex}, f.sock.joined)
	assert.Equal(t, 1500, f.sock.bufSize)

	packets := f.sock.tlvs(t)
	require.GreaterOrEqual(t, len(packets), 2)
	assert.True(t, hasTLV(packets[:1], isHello), "first packet says hello")
	assert.True(t, hasTLV(packets[:1], isWildcardRetraction), "first packet disclaims stale routes")

	seq := f.d.Self().Seqno
	assert.True(t, hasTLV(packets, func(tlv message.TLV) bool {
		u, ok := tlv.(message.Update)
		return ok && u.Prefix == ownPfx && u.Metric == 0 && u.Seqno == seq
	}), "self update announces exported prefix")
	assert.True(t, hasTLV(packets, func(tlv message.TLV) bool {
		r, ok := tlv.(message.Request)
		return ok && !r.Prefix.IsValid()
	}), "full route request")
	for _, p := range f.sock.sent {
		assert.Equal(t, ifindex, p.ifindex)
	}

	require.Len(t, f.journal.begun, 1)
	assert.Equal(t, "test-run", f.journal.begun[0].RunID)
	assert.Equal(t, selfID.String(), f.journal.begun[0].RouterID)
	assert.Equal(t, uint16(seq), f.journal.begun[0].StartSeqno)

	pid, err := os.ReadFile(f.cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, "4242", strings.TrimSpace(string(pid)))

	assert.True(t, f.d.neighbourCheck.Armed())
	assert.True(t, f.d.expiry.Armed())
	assert.True(t, f.d.sourceExpiry.Armed())
	assert.True(t, f.d.kernelDump.Armed())
}

func TestStart_BurstIsJittered(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	// One delay per interface per pass.
	require.Len(t, f.slept, 2)
	for _, d := range f.slept {
		assert.GreaterOrEqual(t, d, 7500*time.Microsecond)
		assert.Less(t, d, 12500*time.Microsecond)
	}
}

func TestStart_RecoversSequenceNumber(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	require.NoError(t, persist.Save(f.cfg.StateFile, persist.Record{
		ID: selfID, Seqno: 41, Time: now.Add(-time.Minute).Unix(),
	}))

	f.start(t)

	assert.EqualValues(t, 42, f.d.Self().Seqno)
	assert.Equal(t, time.Minute, f.d.epoch.Elapsed(now))
	_, err := os.Stat(f.cfg.StateFile)
	assert.ErrorIs(t, err, os.ErrNotExist, "state record is consumed")
}

func TestStart_AbsentStateFile(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	assert.Equal(t, time.Duration(0), f.d.epoch.Elapsed(f.clock.Now()))
	assert.Equal(t, uint16(f.d.Self().Seqno), f.journal.begun[0].StartSeqno)
	assert.Empty(t, f.logs.Level(slog.LevelWarn), "a first run is not a problem")
	assert.Empty(t, f.logs.Level(slog.LevelError))
}

func TestStart_UnremovableStateFileIgnored(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	f := newFixture(t)
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.Mkdir(dir, 0o755))
	f.cfg.StateFile = filepath.Join(dir, "babel-state")
	require.NoError(t, persist.Save(f.cfg.StateFile, persist.Record{
		ID: selfID, Seqno: 41, Time: f.clock.Now().Add(-time.Minute).Unix(),
	}))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	f.start(t)
	fresh := newFixture(t)
	fresh.start(t)
	assert.Equal(t, fresh.d.Self().Seqno, f.d.Self().Seqno, "stale record not trusted")
	assert.Zero(t, f.d.epoch.Elapsed(f.clock.Now()))
	warns := f.logs.Level(slog.LevelWarn)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0], "ignoring state file")
}

func TestStart_UnusableRouterID(t *testing.T) {
	for _, id := range []string{"00:00:00:00:00:00:00:00", "ff:ff:ff:ff:ff:ff:ff:ff"} {
		t.Run(id, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.RouterID = id

			err := f.d.Start(context.Background())
			assert.Equal(t, StageIdentity, StageOf(err))
			assert.ErrorIs(t, err, identity.ErrInvalidID)
			assert.Zero(t, f.socketOpens)
		})
	}
}

func TestStart_PollerFailureRestoresSignals(t *testing.T) {
	f := newFixture(t)
	f.poller.failRegister = map[int]error{sockFD: errors.New("bad descriptor")}

	err := f.d.Start(context.Background())
	assert.Equal(t, StagePoller, StageOf(err))
	assert.False(t, f.sigs.installed, "signal handling restored")
	assert.True(t, f.sock.closed)
	_, statErr := os.Stat(f.cfg.PIDFile)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestStart_PIDFileHeld(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.PIDFile, []byte("1"), 0o644))

	err := f.d.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
	assert.Equal(t, StagePIDFile, StageOf(err))
	assert.ErrorIs(t, err, persist.ErrPIDFileExists)
	assert.Zero(t, f.socketOpens, "no socket before the pid file is held")

	pid, err := os.ReadFile(f.cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, "1", string(pid), "another instance's pid file is left alone")
}

func TestStart_NoIdentity(t *testing.T) {
	f := newFixture(t)
	f.cfg.RouterID = ""
	f.d.deps.Deriver = identity.Deriver{
		InterfaceByName: func(string) (*net.Interface, error) { return nil, errors.New("gone") },
		Interfaces:      func() ([]net.Interface, error) { return nil, nil },
		Random:          strings.NewReader(""),
	}

	err := f.d.Start(context.Background())
	assert.Equal(t, StageIdentity, StageOf(err))
	assert.ErrorIs(t, err, identity.ErrNoIdentity)
	assert.Zero(t, f.socketOpens)
	_, statErr := os.Stat(f.cfg.PIDFile)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "pid file released")
}

func TestStart_SocketFailureUnwinds(t *testing.T) {
	f := newFixture(t)
	f.socketErr = errors.New("address in use")

	err := f.d.Start(context.Background())
	assert.Equal(t, StageSocket, StageOf(err))

	_, statErr := os.Stat(f.cfg.PIDFile)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
	assert.False(t, f.sigs.installed)
	require.Len(t, f.journal.ended, 1)
	assert.False(t, f.journal.ended[0].clean)
}

func TestStart_MonitorUnsupported(t *testing.T) {
	f := newFixture(t)
	f.monitorErr = kernel.ErrUnsupported
	f.start(t)

	assert.Nil(t, f.d.monitor)
	wait := f.d.kernelDump.At.Sub(f.clock.Now())
	assert.Less(t, wait, monitoredDumpPeriod*3/4, "polls the kernel more often")

	f.iterate(t)
	assert.Equal(t, 1, f.monitorOpen, "not probed again")
}

func TestShutdown_RetractsAndPersists(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.peer(t)
	require.Len(t, f.kernel.Routes(), 1)
	before := len(f.sock.sent)

	f.d.Shutdown(context.Background(), true)

	assert.Empty(t, f.kernel.Routes(), "every installed route uninstalled")
	assert.Empty(t, f.d.Tables().Routes())

	packets := f.sock.tlvs(t)[before:]
	require.NotEmpty(t, packets)
	assert.True(t, hasTLV(packets, isHelloWithInterval(departureHold)))
	last := packets[len(packets)-1:]
	assert.True(t, hasTLV(last, isWildcardRetraction))
	assert.True(t, hasTLV(last, isHelloWithInterval(finalDepartureHold)))

	assert.Empty(t, f.d.Interfaces().Up())
	assert.Contains(t, f.sock.left, ifindex)
	assert.True(t, f.sock.closed)
	assert.True(t, f.local.closed)
	assert.True(t, f.monitor.closed)

	rec, err := persist.Peek(f.cfg.StateFile)
	require.NoError(t, err)
	assert.Equal(t, selfID, rec.ID)
	assert.Equal(t, f.d.Self().Seqno, rec.Seqno)
	assert.Equal(t, f.clock.Now().Unix(), rec.Time)

	_, err = os.Stat(f.cfg.PIDFile)
	assert.ErrorIs(t, err, os.ErrNotExist)
	require.Len(t, f.journal.ended, 1)
	assert.Equal(t, endRecord{"test-run", uint16(f.d.Self().Seqno), true}, f.journal.ended[0])
}

func TestShutdown_RestartResumesSeqno(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	seq := f.d.Self().Seqno
	f.d.Shutdown(context.Background(), true)

	g := newFixture(t)
	g.cfg.StateFile = f.cfg.StateFile
	g.start(t)
	assert.Equal(t, seq+1, g.d.Self().Seqno)
}

func TestRun_CancelShutsDown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waits := 0
	f.poller.onWait = func() {
		waits++
		if waits == 2 {
			cancel()
		}
	}

	require.NoError(t, f.d.Run(ctx))
	require.Len(t, f.journal.ended, 1)
	assert.True(t, f.journal.ended[0].clean)
	_, err := os.Stat(f.cfg.PIDFile)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_UnwritableStateFileIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.cfg.StateFile = filepath.Join(t.TempDir(), "missing-dir", "babel-state")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waits := 0
	f.poller.onWait = func() {
		waits++
		if waits == 2 {
			cancel()
		}
	}

	require.NoError(t, f.d.Run(ctx))
	errs := f.logs.Level(slog.LevelError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "save state")
	assert.NoFileExists(t, f.cfg.StateFile)
	require.Len(t, f.journal.ended, 1)
	assert.True(t, f.journal.ended[0].clean)
	assert.False(t, f.sigs.installed)
	_, err := os.Stat(f.cfg.PIDFile)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_StartupFailure(t *testing.T) {
	f := newFixture(t)
	f.socketErr = errors.New("no ipv6")
	err := f.d.Run(context.Background())
	assert.True(t, IsStartupError(err))
	assert.Empty(t, f.poller.budgets, "loop never entered")
}
