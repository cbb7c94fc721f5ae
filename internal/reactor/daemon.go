package reactor

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/roach88/babelcore/internal/clock"
	"github.com/roach88/babelcore/internal/config"
	"github.com/roach88/babelcore/internal/identity"
	"github.com/roach88/babelcore/internal/kernel"
	"github.com/roach88/babelcore/internal/local"
	"github.com/roach88/babelcore/internal/message"
	"github.com/roach88/babelcore/internal/network"
	"github.com/roach88/babelcore/internal/persist"
	"github.com/roach88/babelcore/internal/poller"
	"github.com/roach88/babelcore/internal/signals"
	"github.com/roach88/babelcore/internal/socket"
	"github.com/roach88/babelcore/internal/store"
	"github.com/roach88/babelcore/internal/table"
	"github.com/roach88/babelcore/internal/timer"
)

// Poller tokens.
const (
	tokSignal poller.Token = iota
	tokKernel
	tokProtocol
	tokListener
	tokLocalConn
)

const (
	startupDelay       = 10 * time.Millisecond
	shutdownPassDelay  = time.Millisecond
	initialNeighbours  = 5000 // milliseconds
	minNeighbourCheck  = 10 * time.Millisecond
	expiryPeriod       = 30 * time.Second
	sourceExpiryPeriod = 300 * time.Second
	// Kernel dumps are frequent only when change notifications are missing.
	pollingDumpPeriod   = 30 * time.Second
	monitoredDumpPeriod = 300 * time.Second
	errorBackoff        = time.Second
	// Hold times sent in the departing hellos, in centiseconds.
	departureHold      = 10
	finalDepartureHold = 1
	maxExportMetric    = table.Infinity - 1
)

// originConfigured marks a router id given in the configuration.
const originConfigured identity.Origin = "configured"

// ProtocolSocket is the multicast UDP socket the protocol runs on.
type ProtocolSocket interface {
	message.Transport
	FD() int
	Recv() (socket.Datagram, error)
	Join(ifindex int) error
	Leave(ifindex int) error
	Grow(size int)
	Close() error
}

// LocalControl is the local dump interface: one listener, at most one
// accepted connection.
type LocalControl interface {
	ListenerFD() int
	ConnFD() int
	Accept() error
	Read() (local.Command, error)
	Writer() io.Writer
	Close() error
}

// Signals is the flag side of the signal bridge.
type Signals interface {
	FD() int
	Install()
	Uninstall()
	Raise(r signals.Request)
	Take(r signals.Request) bool
	Drain()
}

// Journal records incarnations and dumps.
type Journal interface {
	BeginIncarnation(ctx context.Context, inc store.Incarnation) error
	EndIncarnation(ctx context.Context, runID string, finalSeqno uint16, stoppedAt time.Time, clean bool) error
	RecordSnapshot(ctx context.Context, snap store.Snapshot) error
}

// Reopener is a log destination that can be reopened after rotation.
type Reopener interface {
	Reopen() error
}

// Deps are the daemon's collaborators. Factories are called by Start in a
// fixed order so that a failure can be unwound.
type Deps struct {
	Clock   clock.Source
	Jitter  *clock.Jitter
	Poller  poller.Poller
	Signals Signals
	Lookup  network.Lookup
	Deriver identity.Deriver
	// Kernel receives installed routes. ImportTable, when set, contributes
	// its routes to the exported set.
	Kernel      kernel.Table
	ImportTable kernel.Table

	OpenSocket  func(port int, group netip.Addr) (ProtocolSocket, error)
	ListenLocal func(port int) (LocalControl, error)
	OpenMonitor func() (kernel.Monitor, error)

	Journal Journal
	LogFile Reopener
	RunID   RunIDGenerator
	// Output receives dumps requested by signal or debug level.
	Output io.Writer
	// Sleep pauses the whole daemon. Tests advance a manual clock instead.
	Sleep  func(time.Duration)
	PID    int
	Logger *slog.Logger
}

// Daemon is one routing daemon instance.
type Daemon struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	clock   *clock.Sampled
	jitter  *clock.Jitter
	poller  poller.Poller
	sigs    Signals
	journal Journal

	self   identity.Self
	origin identity.Origin
	epoch  clock.Epoch
	runID  string

	ifaces  *network.Set
	tables  *table.Tables
	speaker *message.Speaker
	exports []config.ExportedRoute

	sock        ProtocolSocket
	local       LocalControl
	localConnFD int
	monitor     kernel.Monitor
	pid         *persist.PIDFile

	kernelDump     timer.Timer
	neighbourCheck timer.Timer
	expiry         timer.Timer
	sourceExpiry   timer.Timer
	sched          timer.Schedule

	started bool
}

// New returns a daemon for cfg. cfg must have been validated.
func New(cfg *config.Config, deps Deps) *Daemon {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Jitter == nil {
		deps.Jitter = clock.NewJitter(uint64(time.Now().UnixNano()))
	}
	if deps.Sleep == nil {
		deps.Sleep = time.Sleep
	}
	if deps.RunID == nil {
		deps.RunID = UUIDv7Generator{}
	}
	if deps.Output == nil {
		deps.Output = os.Stdout
	}
	if deps.Kernel == nil {
		deps.Kernel = kernel.NewMemoryTable(cfg.ExportTable, deps.Logger)
	}
	if deps.Lookup == nil {
		deps.Lookup = network.SystemLookup(cfg.LinkDetect)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		clock:       clock.NewSampled(deps.Clock),
		jitter:      deps.Jitter,
		poller:      deps.Poller,
		sigs:        deps.Signals,
		journal:     deps.Journal,
		localConnFD: -1,
	}
}

// Self returns the router id and current sequence number.
func (d *Daemon) Self() identity.Self { return d.self }

// RunID returns the id of this incarnation. Empty before Start.
func (d *Daemon) RunID() string { return d.runID }

// Interfaces returns the managed interfaces.
func (d *Daemon) Interfaces() *network.Set { return d.ifaces }

// Tables returns the routing tables.
func (d *Daemon) Tables() *table.Tables { return d.tables }

func (d *Daemon) sleep(dur time.Duration) {
	if dur > 0 {
		d.deps.Sleep(dur)
	}
}
