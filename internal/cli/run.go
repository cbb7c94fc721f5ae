package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/babelcore/internal/config"
	"github.com/roach88/babelcore/internal/kernel"
	"github.com/roach88/babelcore/internal/local"
	"github.com/roach88/babelcore/internal/logging"
	"github.com/roach88/babelcore/internal/poller"
	"github.com/roach88/babelcore/internal/reactor"
	"github.com/roach88/babelcore/internal/signals"
	"github.com/roach88/babelcore/internal/socket"
	"github.com/roach88/babelcore/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigFile string
	Statements []string

	// Values of the individual flags. Only flags given on the command line
	// are applied over the configuration.
	flags          config.Config
	hello          time.Duration
	wiredHello     time.Duration
	idleHello      time.Duration
	noSplitHorizon bool

	// defaultConfig is read when no --config is given and it exists.
	defaultConfig string

	// RunID allows overriding the run id generator (for testing).
	// If nil, the daemon uses UUIDv7Generator.
	RunID reactor.RunIDGenerator
}

// nullStdin points standard input at /dev/null. Tests replace it.
var nullStdin = logging.NullStdin

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts, defaultConfig: config.DefaultPath})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] interface...",
		Short: "Run the routing daemon",
		Long: `Run the Babel routing daemon on the given interfaces.

Settings are taken from the built-in defaults, then the configuration file
(--config, or /etc/babeld.yaml when it exists), then each --statement in
order, then the flags given on the command line.

SIGTERM and SIGINT shut the daemon down after retracting its routes.
SIGUSR1 dumps the current state to standard output. SIGUSR2 forces the
periodic checks and reopens the log file.

Example:
  babeld run eth0 wlan0
  babeld run -d 1 -S /tmp/babel-state -I "" eth0
  babeld run -c /etc/babeld.yaml -C '{export: [{prefix: "2001:db8::/48"}]}'`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, args, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.ConfigFile, "config", "c", "", "configuration file (.yaml or .cue)")
	f.StringArrayVarP(&opts.Statements, "statement", "C", nil, "inline configuration statement (repeatable)")

	f.StringVarP(&opts.flags.MulticastGroup, "multicast-group", "m", config.DefaultGroup, "protocol multicast group")
	f.IntVarP(&opts.flags.Port, "port", "p", config.DefaultPort, "protocol port")
	f.DurationVar(&opts.hello, "hello-interval", config.DefaultHelloInterval, "hello interval on wireless interfaces")
	f.DurationVarP(&opts.wiredHello, "wired-hello-interval", "H", 0, "hello interval on wired interfaces")
	f.DurationVarP(&opts.idleHello, "idle-hello-interval", "i", 0, "hello interval on interfaces without neighbours")
	f.IntVarP(&opts.flags.KernelMetric, "kernel-metric", "k", config.DefaultKernelMetric, "metric added to installed routes")
	f.IntVarP(&opts.flags.AllowDuplicates, "allow-duplicates", "A", config.DuplicatesDisabled, "keep duplicate routes with a metric below this")
	f.BoolVarP(&opts.flags.Parasitic, "parasitic", "P", false, "do not announce routes")
	f.BoolVarP(&opts.noSplitHorizon, "no-split-horizon", "s", false, "disable split horizon on wired interfaces")
	f.StringVarP(&opts.flags.StateFile, "state-file", "S", config.DefaultStateFile, "identity and sequence number state file")
	f.IntVarP(&opts.flags.Debug, "debug", "d", 0, "debug level (1 dumps state every iteration)")
	f.IntVarP(&opts.flags.LocalPort, "local-port", "g", 0, "local control port on [::1] (0 disables)")
	f.BoolVarP(&opts.flags.LinkDetect, "link-detect", "l", false, "treat interfaces without carrier as down")
	f.BoolVarP(&opts.flags.AllWireless, "all-wireless", "w", false, "treat every interface as wireless")
	f.IntVarP(&opts.flags.ExportTable, "export-table", "t", config.DefaultExportTable, "kernel table for installed routes")
	f.IntVarP(&opts.flags.ImportTable, "import-table", "T", config.DefaultImportTable, "kernel table whose routes are exported")
	f.BoolVarP(&opts.flags.Daemonize, "daemonize", "D", false, "detach from the terminal")
	f.StringVarP(&opts.flags.LogFile, "log-file", "L", "", "log file (default /var/log/babeld.log when daemonized)")
	f.StringVarP(&opts.flags.PIDFile, "pid-file", "I", config.DefaultPIDFile, `pid file ("" disables)`)
	f.StringVar(&opts.flags.Journal, "journal", "", "sqlite incarnation journal")

	return cmd
}

// buildConfig layers the configuration sources and validates the result.
func (o *RunOptions) buildConfig(cmd *cobra.Command, ifaces []string) (*config.Config, []string, error) {
	cfg := config.Default()

	path := o.ConfigFile
	if path == "" && o.defaultConfig != "" {
		if _, err := os.Stat(o.defaultConfig); err == nil {
			path = o.defaultConfig
		}
	}
	if path != "" {
		if err := cfg.Load(path); err != nil {
			return nil, nil, err
		}
	}
	for _, stmt := range o.Statements {
		if err := cfg.ApplyStatement(stmt); err != nil {
			return nil, nil, fmt.Errorf("statement %q: %w", stmt, err)
		}
	}
	o.applyFlags(cmd, cfg)
	for _, name := range ifaces {
		cfg.AddInterface(name)
	}
	cfg.ApplyImplied()

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

func (o *RunOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	given := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	given("multicast-group", func() { cfg.MulticastGroup = o.flags.MulticastGroup })
	given("port", func() { cfg.Port = o.flags.Port })
	given("hello-interval", func() { cfg.HelloInterval = config.Duration(o.hello) })
	given("wired-hello-interval", func() { cfg.WiredHelloInterval = config.Duration(o.wiredHello) })
	given("idle-hello-interval", func() { cfg.IdleHelloInterval = config.Duration(o.idleHello) })
	given("kernel-metric", func() { cfg.KernelMetric = o.flags.KernelMetric })
	given("allow-duplicates", func() { cfg.AllowDuplicates = o.flags.AllowDuplicates })
	given("parasitic", func() { cfg.Parasitic = o.flags.Parasitic })
	given("no-split-horizon", func() { cfg.SplitHorizon = !o.noSplitHorizon })
	given("state-file", func() { cfg.StateFile = o.flags.StateFile })
	given("debug", func() { cfg.Debug = o.flags.Debug })
	given("local-port", func() { cfg.LocalPort = o.flags.LocalPort })
	given("link-detect", func() { cfg.LinkDetect = o.flags.LinkDetect })
	given("all-wireless", func() { cfg.AllWireless = o.flags.AllWireless })
	given("export-table", func() { cfg.ExportTable = o.flags.ExportTable })
	given("import-table", func() { cfg.ImportTable = o.flags.ImportTable })
	given("daemonize", func() { cfg.Daemonize = o.flags.Daemonize })
	given("log-file", func() { cfg.LogFile = o.flags.LogFile })
	given("pid-file", func() { cfg.PIDFile = o.flags.PIDFile })
	given("journal", func() { cfg.Journal = o.flags.Journal })
}

func runDaemon(opts *RunOptions, ifaces []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, warnings, err := opts.buildConfig(cmd, ifaces)
	if err != nil {
		formatter.Writer = cmd.ErrOrStderr()
		return fail(formatter, ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}

	logger := logging.NewLogger(cmd.ErrOrStderr(), cfg.Debug)
	for _, w := range warnings {
		logger.Warn(w)
	}

	if cfg.Daemonize && !daemonized() {
		if err := daemonize(); err != nil {
			return WrapExitError(ExitFailure, "failed to daemonize", err)
		}
		return nil
	}

	var logFile *logging.File
	if cfg.LogFile != "" {
		logFile = logging.NewFile(cfg.LogFile)
		if err := logFile.Reopen(); err != nil {
			return WrapExitError(ExitFailure, "failed to open log file", err)
		}
	}
	if err := nullStdin(); err != nil {
		return WrapExitError(ExitFailure, "failed to redirect stdin", err)
	}

	deps, cleanup, err := systemDeps(cfg, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to set up", err)
	}
	defer cleanup()
	if logFile != nil {
		deps.LogFile = logFile
	}
	deps.RunID = opts.RunID
	deps.Output = cmd.OutOrStdout()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Info("babeld starting", "interfaces", len(cfg.Interfaces), "port", cfg.Port, "group", cfg.MulticastGroup)
	if err := reactor.New(cfg, deps).Run(ctx); err != nil {
		if reactor.IsStartupError(err) {
			return WrapExitError(ExitFailure, "startup failed", err)
		}
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	logger.Info("babeld stopped")
	return nil
}

// systemDeps opens the process-wide resources the daemon needs before Start:
// the signal bridge, the poller and the optional journal.
func systemDeps(cfg *config.Config, logger *slog.Logger) (reactor.Deps, func(), error) {
	sigs, err := signals.New()
	if err != nil {
		return reactor.Deps{}, nil, err
	}
	cleanups := []func(){func() { _ = sigs.Close() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	installed := kernel.NewMemoryTable(cfg.ExportTable, logger)
	imported := kernel.Table(installed)
	if cfg.ImportTable != cfg.ExportTable {
		imported = kernel.NewMemoryTable(cfg.ImportTable, logger)
	}

	deps := reactor.Deps{
		Poller:      poller.New(),
		Signals:     sigs,
		Kernel:      installed,
		ImportTable: imported,
		OpenSocket: func(port int, group netip.Addr) (reactor.ProtocolSocket, error) {
			c, err := socket.Open(port, group)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		ListenLocal: func(port int) (reactor.LocalControl, error) {
			s, err := local.Listen(port, logger)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		OpenMonitor: kernel.OpenMonitor,
		PID:         os.Getpid(),
		Logger:      logger,
	}

	if cfg.Journal != "" {
		st, err := store.Open(cfg.Journal)
		if err != nil {
			cleanup()
			return reactor.Deps{}, nil, fmt.Errorf("journal: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing journal", "error", err)
			}
		})
		deps.Journal = st
	}
	return deps, cleanup, nil
}
