package reactor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/babelcore/internal/clock"
	"github.com/roach88/babelcore/internal/config"
	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/kernel"
	"github.com/roach88/babelcore/internal/local"
	"github.com/roach88/babelcore/internal/message"
	"github.com/roach88/babelcore/internal/network"
	"github.com/roach88/babelcore/internal/poller"
	"github.com/roach88/babelcore/internal/signals"
	"github.com/roach88/babelcore/internal/socket"
	"github.com/roach88/babelcore/internal/store"
	"github.com/roach88/babelcore/internal/testutil"
)

var (
	selfID   = identity.RouterID{0x02, 0, 0, 0, 0, 0, 0, 0x01}
	peerID   = identity.RouterID{0x02, 0, 0, 0, 0, 0, 0, 0x02}
	ownLL    = netip.MustParseAddr("fe80::1")
	peerLL   = netip.MustParseAddr("fe80::2")
	ownPfx   = netip.MustParsePrefix("2001:db8:ff::/48")
	peerPfx  = netip.MustParsePrefix("2001:db8:1::/48")
	helloInt = 4 * time.Second
)

const (
	sockFD    = 10
	monitorFD = 11
	listenFD  = 12
	connFD    = 13
	signalFD  = 3
	ifindex   = 2
)

// fakePoller hands out queued ready sets; an empty queue means a timeout.
type fakePoller struct {
	registered map[int]poller.Token
	queue      []poller.Ready
	budgets    []time.Duration
	err        error
	onWait     func()
	// failRegister makes Register fail for the given descriptors.
	failRegister map[int]error
}

func newFakePoller() *fakePoller {
	return &fakePoller{registered: make(map[int]poller.Token)}
}

func (p *fakePoller) Register(fd int, tok poller.Token) error {
	if err := p.failRegister[fd]; err != nil {
		return err
	}
	p.registered[fd] = tok
	return nil
}

func (p *fakePoller) Unregister(fd int) { delete(p.registered, fd) }

func (p *fakePoller) Wait(timeout time.Duration) (poller.Ready, error) {
	p.budgets = append(p.budgets, timeout)
	if p.onWait != nil {
		p.onWait()
	}
	if p.err != nil {
		err := p.err
		p.err = nil
		return 0, err
	}
	if len(p.queue) == 0 {
		return 0, nil
	}
	r := p.queue[0]
	p.queue = p.queue[1:]
	return r, nil
}

func (p *fakePoller) ready(toks ...poller.Token) {
	var r poller.Ready
	for _, tok := range toks {
		r = r.With(tok)
	}
	p.queue = append(p.queue, r)
}

type sent struct {
	payload []byte
	ifindex int
	dst     netip.Addr
}

type fakeSocket struct {
	inbox   []socket.Datagram
	recvErr error
	sent    []sent
	joined  []int
	left    []int
	bufSize int
	closed  bool
}

func (s *fakeSocket) FD() int { return sockFD }

func (s *fakeSocket) Recv() (socket.Datagram, error) {
	if s.recvErr != nil {
		return socket.Datagram{}, s.recvErr
	}
	if len(s.inbox) == 0 {
		return socket.Datagram{}, socket.ErrWouldBlock
	}
	dg := s.inbox[0]
	s.inbox = s.inbox[1:]
	return dg, nil
}

func (s *fakeSocket) Send(payload []byte, ifindex int, dst netip.Addr) error {
	s.sent = append(s.sent, sent{slices.Clone(payload), ifindex, dst})
	return nil
}

func (s *fakeSocket) Join(ifindex int) error  { s.joined = append(s.joined, ifindex); return nil }
func (s *fakeSocket) Leave(ifindex int) error { s.left = append(s.left, ifindex); return nil }
func (s *fakeSocket) Grow(size int)           { s.bufSize = max(s.bufSize, size) }
func (s *fakeSocket) Close() error            { s.closed = true; return nil }

// tlvs decodes every packet sent so far, in order.
func (s *fakeSocket) tlvs(t *testing.T) [][]message.TLV {
	t.Helper()
	out := make([][]message.TLV, 0, len(s.sent))
	for _, p := range s.sent {
		tlvs, err := message.Parse(p.payload)
		require.NoError(t, err)
		out = append(out, tlvs)
	}
	return out
}

// fakeSignals is safe for concurrent Raise, like the real bridge.
type fakeSignals struct {
	flags     [3]atomic.Bool
	installed bool
	drained   int
}

func (s *fakeSignals) FD() int    { return signalFD }
func (s *fakeSignals) Install()   { s.installed = true }
func (s *fakeSignals) Uninstall() { s.installed = false }
func (s *fakeSignals) Drain()     { s.drained++ }

func (s *fakeSignals) Raise(r signals.Request) { s.flags[r].Store(true) }

func (s *fakeSignals) Take(r signals.Request) bool {
	return s.flags[r].CompareAndSwap(true, false)
}

type fakeMonitor struct {
	changes []kernel.Change
	err     error
	closed  bool
}

func (m *fakeMonitor) FD() int { return monitorFD }

func (m *fakeMonitor) Read() (kernel.Change, error) {
	if m.err != nil {
		return 0, m.err
	}
	if len(m.changes) == 0 {
		return 0, nil
	}
	c := m.changes[0]
	m.changes = m.changes[1:]
	return c, nil
}

func (m *fakeMonitor) Close() error { m.closed = true; return nil }

type fakeLocal struct {
	conn     *bytes.Buffer
	commands []local.Command
	closed   bool
	// stalled makes every write time out and drop the connection.
	stalled bool
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (l *fakeLocal) ListenerFD() int { return listenFD }

func (l *fakeLocal) ConnFD() int {
	if l.conn == nil {
		return -1
	}
	return connFD
}

func (l *fakeLocal) Accept() error {
	l.conn = &bytes.Buffer{}
	return nil
}

func (l *fakeLocal) Read() (local.Command, error) {
	if len(l.commands) == 0 {
		l.conn = nil
		return local.CommandNone, io.EOF
	}
	c := l.commands[0]
	l.commands = l.commands[1:]
	return c, nil
}

func (l *fakeLocal) Writer() io.Writer {
	if l.conn == nil {
		return nil
	}
	if l.stalled {
		return writerFunc(func([]byte) (int, error) {
			l.conn = nil
			return 0, os.ErrDeadlineExceeded
		})
	}
	return l.conn
}

func (l *fakeLocal) Close() error { l.closed = true; return nil }

type endRecord struct {
	runID string
	seqno uint16
	clean bool
}

type fakeJournal struct {
	mu        sync.Mutex
	begun     []store.Incarnation
	ended     []endRecord
	snapshots []store.Snapshot
}

func (j *fakeJournal) BeginIncarnation(_ context.Context, inc store.Incarnation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.begun = append(j.begun, inc)
	return nil
}

func (j *fakeJournal) EndIncarnation(_ context.Context, runID string, finalSeqno uint16, _ time.Time, clean bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, endRecord{runID, finalSeqno, clean})
	return nil
}

func (j *fakeJournal) RecordSnapshot(_ context.Context, snap store.Snapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snapshots = append(j.snapshots, snap)
	return nil
}

type fakeLog struct {
	reopened int
	err      error
}

func (l *fakeLog) Reopen() error {
	l.reopened++
	return l.err
}

// fixture is a daemon wired entirely to fakes, managing eth0 (index 2).
type fixture struct {
	d       *Daemon
	cfg     *config.Config
	clock   *testutil.ManualClock
	poller  *fakePoller
	sock    *fakeSocket
	sigs    *fakeSignals
	monitor *fakeMonitor
	local   *fakeLocal
	journal *fakeJournal
	log     *fakeLog
	kernel  *kernel.MemoryTable
	out     *bytes.Buffer
	logs    *testutil.LogBuffer

	link        network.Link
	slept       []time.Duration
	monitorErr  error
	monitorOpen int
	socketErr   error
	socketOpens int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.AddInterface("eth0")
	cfg.RouterID = selfID.String()
	cfg.StateFile = filepath.Join(dir, "babel-state")
	cfg.PIDFile = filepath.Join(dir, "babeld.pid")
	cfg.Exports = []config.Export{{Prefix: ownPfx.String()}}
	cfg.LocalPort = 33123
	logger, logs := testutil.NewLogger()

	f := &fixture{
		cfg:     cfg,
		clock:   testutil.NewManualClock(time.Time{}),
		poller:  newFakePoller(),
		sock:    &fakeSocket{},
		sigs:    &fakeSignals{},
		monitor: &fakeMonitor{},
		local:   &fakeLocal{},
		journal: &fakeJournal{},
		log:     &fakeLog{},
		kernel:  kernel.NewMemoryTable(254, nil),
		out:     &bytes.Buffer{},
		logs:    logs,
		link:    network.Link{Index: ifindex, MTU: 1500, Up: true, LinkLocal: ownLL},
	}
	f.d = New(cfg, Deps{
		Clock:   f.clock,
		Jitter:  clock.NewJitter(1),
		Poller:  f.poller,
		Signals: f.sigs,
		Lookup: func(name string) (network.Link, error) {
			if name != "eth0" {
				return network.Link{}, errors.New("no such interface")
			}
			return f.link, nil
		},
		Kernel: f.kernel,
		OpenSocket: func(int, netip.Addr) (ProtocolSocket, error) {
			f.socketOpens++
			if f.socketErr != nil {
				return nil, f.socketErr
			}
			return f.sock, nil
		},
		ListenLocal: func(int) (LocalControl, error) { return f.local, nil },
		OpenMonitor: func() (kernel.Monitor, error) {
			f.monitorOpen++
			if f.monitorErr != nil {
				return nil, f.monitorErr
			}
			f.monitor.err = nil
			return f.monitor, nil
		},
		Journal: f.journal,
		LogFile: f.log,
		RunID:   testutil.NewFixedRunID("test-run"),
		Output:  f.out,
		Sleep:   func(d time.Duration) { f.slept = append(f.slept, d) },
		PID:     4242,
		Logger:  logger,
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.d.Start(context.Background()))
}

func (f *fixture) iterate(t *testing.T) {
	t.Helper()
	done, err := f.d.Iterate(context.Background())
	require.NoError(t, err)
	require.False(t, done)
}

// deliver queues a datagram from the peer and marks the socket readable.
func (f *fixture) deliver(index int, tlvs ...message.TLV) {
	var body []byte
	for _, tlv := range tlvs {
		body = message.Append(body, tlv)
	}
	f.sock.inbox = append(f.sock.inbox, socket.Datagram{
		Payload: message.Packet(body),
		From:    peerLL,
		Ifindex: index,
	})
	f.poller.ready(tokProtocol)
}

// peer makes the peer a neighbour with link cost 96 and has it announce
// peerPfx with metric 100.
func (f *fixture) peer(t *testing.T) {
	t.Helper()
	f.deliver(ifindex, message.Hello{Seqno: 1, Interval: 400})
	f.iterate(t)
	f.clock.Advance(helloInt)
	f.deliver(ifindex,
		message.Hello{Seqno: 2, Interval: 400},
		message.IHU{RxCost: 96, Interval: 1200, Address: ownLL})
	f.iterate(t)
	f.deliver(ifindex,
		message.RouterID{ID: peerID},
		message.Update{Prefix: peerPfx, Interval: 1600, Seqno: 5, Metric: 100})
	f.iterate(t)
}
