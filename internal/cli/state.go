package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/babelcore/internal/config"
	"github.com/roach88/babelcore/internal/persist"
)

// StateOptions holds flags for the state commands.
type StateOptions struct {
	*RootOptions
	StateFile string
}

// StateView is the persisted record as reported by "state show".
type StateView struct {
	RouterID  string    `json:"router_id"`
	Seqno     uint16    `json:"seqno"`
	WrittenAt time.Time `json:"written_at"`
}

// NewStateCommand creates the state command group.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the persisted identity and sequence number",
	}
	cmd.PersistentFlags().StringVarP(&opts.StateFile, "state-file", "S", config.DefaultStateFile, "state file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the state record without consuming it",
		Long: `Print the router id, sequence number and write time that the daemon
saved at its last clean shutdown. The file is left in place, so the next
run still resumes from it.

Example:
  babeld state show
  babeld state show -S /tmp/babel-state --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStateShow(opts, cmd)
		},
	}
	cmd.AddCommand(show)

	return cmd
}

func runStateShow(opts *StateOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	formatter.VerboseLog("Reading %s", opts.StateFile)

	rec, err := persist.Peek(opts.StateFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fail(formatter, ExitFailure, ErrCodeNotFound, fmt.Sprintf("no state record at %s", opts.StateFile), err)
	case err != nil:
		return fail(formatter, ExitFailure, ErrCodeMalformed, fmt.Sprintf("cannot read %s", opts.StateFile), err)
	}

	view := StateView{
		RouterID:  rec.ID.String(),
		Seqno:     uint16(rec.Seqno),
		WrittenAt: time.Unix(rec.Time, 0).UTC(),
	}
	if formatter.Format == "json" {
		return formatter.Success(view)
	}
	fmt.Fprintf(formatter.Writer, "router-id  %s\n", view.RouterID)
	fmt.Fprintf(formatter.Writer, "seqno      %d\n", view.Seqno)
	fmt.Fprintf(formatter.Writer, "written    %s\n", view.WrittenAt.Format(time.RFC3339))
	return nil
}
