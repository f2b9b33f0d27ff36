package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/snapshot"
)

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored community snapshots",
		Long: `Inspect the versioned community snapshots kept when snapshot.enabled
is set. Snapshots are written after every reconciliation and every change
to a scoreboard.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List communities with a snapshot",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotList(rootOpts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "show <community-id>",
		Short:         "Show a community snapshot",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotShow(rootOpts, args[0], cmd)
		},
	})

	return cmd
}

func openSnapshots(opts *RootOptions, formatter *OutputFormatter) (*snapshot.Store, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if !cfg.Snapshot.Enabled {
		_ = formatter.Error(ErrCodeConfig, "snapshots are disabled", nil)
		return nil, NewExitError(ExitCommandError, "snapshots are disabled")
	}
	s, err := snapshot.Open(snapshot.DefaultConfig(cfg.Snapshot.Path))
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open snapshot store", err)
	}
	return s, nil
}

func runSnapshotList(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	s, err := openSnapshots(opts, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := s.Communities(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to list snapshots", err)
	}
	if ids == nil {
		ids = []string{}
	}
	text := "No snapshots.\n"
	if len(ids) > 0 {
		text = strings.Join(ids, "\n") + "\n"
	}
	return formatter.Success(ids, text)
}

func runSnapshotShow(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	s, err := openSnapshots(opts, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, found, err := s.Load(cmd.Context(), id)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to load snapshot", err)
	}
	if !found {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no snapshot for %q", id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("no snapshot for %q", id))
	}

	st := rec.ToState()
	var b strings.Builder
	fmt.Fprintf(&b, "%s (schema v%d): %d challenges, %d participants, %d solves\n",
		rec.CommunityID, rec.SchemaVersion, st.Catalog.Len(), st.Roster.Len(), st.Ledger.Len())
	b.WriteString(feed.FormatBoard(st.Board.Render(st.Roster)))

	for i := range rec.Challenges {
		rec.Challenges[i].Flag = ""
	}
	return formatter.Success(rec, b.String())
}
