package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/babelcore/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	Limit    int
	Run      string
}

// IncarnationView is one journaled run.
type IncarnationView struct {
	RunID      string     `json:"run_id"`
	RouterID   string     `json:"router_id"`
	StartSeqno uint16     `json:"start_seqno"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	FinalSeqno *uint16    `json:"final_seqno,omitempty"`
	Clean      bool       `json:"clean"`
}

// SnapshotView is one journaled state dump.
type SnapshotView struct {
	TakenAt    time.Time `json:"taken_at"`
	Seqno      uint16    `json:"seqno"`
	Neighbours int       `json:"neighbours"`
	Routes     int       `json:"routes"`
	Body       string    `json:"body"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List runs recorded in the incarnation journal",
		Long: `List the runs recorded by "babeld run --journal", newest first.

Each run shows its router id, the sequence number it started and stopped
with, and whether it went through the shutdown sequence. With --run, the
state dumps taken during that run are printed instead.

Example:
  babeld journal --db /var/lib/babeld.db
  babeld journal --db /var/lib/babeld.db --run 0192f6c4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal database (required)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to list (0 lists all)")
	cmd.Flags().StringVar(&opts.Run, "run", "", "print the state dumps of this run")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Opening creates the database; a query never should.
	if _, err := os.Stat(opts.Database); err != nil {
		return fail(formatter, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("journal not found: %s", opts.Database), err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing journal", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Run != "" {
		return showSnapshots(ctx, formatter, st, opts.Run)
	}
	return listIncarnations(ctx, formatter, st, opts.Limit)
}

func listIncarnations(ctx context.Context, formatter *OutputFormatter, st *store.Store, limit int) error {
	incs, err := st.Incarnations(ctx, limit)
	if err != nil {
		return fail(formatter, ExitFailure, ErrCodeJournal, "failed to list runs", err)
	}
	formatter.VerboseLog("Found %d run(s)", len(incs))

	views := make([]IncarnationView, 0, len(incs))
	for _, inc := range incs {
		v := IncarnationView{
			RunID:      inc.RunID,
			RouterID:   inc.RouterID,
			StartSeqno: inc.StartSeqno,
			StartedAt:  inc.StartedAt.UTC(),
			Clean:      inc.Clean,
		}
		if !inc.StoppedAt.IsZero() {
			stopped := inc.StoppedAt.UTC()
			final := inc.FinalSeqno
			v.StoppedAt, v.FinalSeqno = &stopped, &final
		}
		views = append(views, v)
	}
	if formatter.Format == "json" {
		return formatter.Success(views)
	}

	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs recorded")
		return nil
	}
	for _, v := range views {
		end := "running or crashed"
		if v.StoppedAt != nil {
			how := "unclean"
			if v.Clean {
				how = "clean"
			}
			end = fmt.Sprintf("stopped %s seqno %d (%s)", v.StoppedAt.Format(time.RFC3339), *v.FinalSeqno, how)
		}
		fmt.Fprintf(formatter.Writer, "%s  %s  started %s seqno %d  %s\n",
			v.RunID, v.RouterID, v.StartedAt.Format(time.RFC3339), v.StartSeqno, end)
	}
	return nil
}

func showSnapshots(ctx context.Context, formatter *OutputFormatter, st *store.Store, runID string) error {
	snaps, err := st.Snapshots(ctx, runID)
	if err != nil {
		return fail(formatter, ExitFailure, ErrCodeJournal, "failed to list snapshots", err)
	}

	views := make([]SnapshotView, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, SnapshotView{
			TakenAt:    s.TakenAt.UTC(),
			Seqno:      s.Seqno,
			Neighbours: s.Neighbours,
			Routes:     s.Routes,
			Body:       s.Body,
		})
	}
	if formatter.Format == "json" {
		return formatter.Success(views)
	}

	if len(views) == 0 {
		fmt.Fprintf(formatter.Writer, "No snapshots for run %s\n", runID)
		return nil
	}
	for _, v := range views {
		fmt.Fprintf(formatter.Writer, "--- %s seqno %d, %d neighbour(s), %d route(s)\n",
			v.TakenAt.Format(time.RFC3339), v.Seqno, v.Neighbours, v.Routes)
		fmt.Fprint(formatter.Writer, v.Body)
	}
	return nil
}
