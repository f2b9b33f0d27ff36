package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ctfboard/internal/reconcile"
)

// ReportView is the JSON form of a reconcile.Report.
type ReportView struct {
	CommunityID  string   `json:"community_id"`
	Strategy     string   `json:"strategy"`
	Challenges   int      `json:"challenges"`
	Warnings     []string `json:"warnings,omitempty"`
	Added        []string `json:"added,omitempty"`
	Removed      []string `json:"removed,omitempty"`
	Participants int      `json:"participants"`
	RosterStale  bool     `json:"roster_stale,omitempty"`
	Solves       int      `json:"solves"`
	Pruned       int64    `json:"pruned"`
	Saved        int64    `json:"saved"`
}

func newReportView(r reconcile.Report) ReportView {
	v := ReportView{
		CommunityID:  r.CommunityID,
		Strategy:     string(r.Strategy),
		Challenges:   r.Challenges,
		Participants: r.Participants,
		RosterStale:  r.RosterStale,
		Solves:       r.Solves,
		Pruned:       r.Pruned,
		Saved:        r.Saved,
	}
	for _, w := range r.Warnings {
		v.Warnings = append(v.Warnings, w.Error())
	}
	for _, p := range r.Added {
		v.Added = append(v.Added, string(p))
	}
	for _, p := range r.Removed {
		v.Removed = append(v.Removed, string(p))
	}
	return v
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [community-id...]",
		Short: "Reconcile catalogs, rosters and solve ledgers",
		Long: `Run reconciliation once for the given communities, or for every
community known to the membership source, and print what changed.

With --strategy prune, solves of departed participants and of retired
challenges are deleted from the store. This cannot be undone.

Example:
  ctfboard reconcile
  ctfboard reconcile guild --strategy prune --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runReconcile(opts *RootOptions, ids []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer a.Close()

	reports, err := a.reconcile(cmd.Context(), ids)
	views := make([]ReportView, len(reports))
	for i, r := range reports {
		views[i] = newReportView(r)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeReconcile, err.Error(), views)
		return WrapExitError(ExitFailure, "reconciliation failed", err)
	}
	return formatter.Success(views, formatReports(views))
}

func formatReports(views []ReportView) string {
	if len(views) == 0 {
		return "No communities found.\n"
	}
	var b strings.Builder
	for _, v := range views {
		fmt.Fprintf(&b, "%s: %d challenges, %d participants, %d solves (%s)\n",
			v.CommunityID, v.Challenges, v.Participants, v.Solves, v.Strategy)
		if len(v.Added) > 0 {
			fmt.Fprintf(&b, "  joined: %s\n", strings.Join(v.Added, ", "))
		}
		if len(v.Removed) > 0 {
			fmt.Fprintf(&b, "  removed: %s\n", strings.Join(v.Removed, ", "))
		}
		if v.Pruned > 0 {
			fmt.Fprintf(&b, "  pruned %d solves\n", v.Pruned)
		}
		if v.RosterStale {
			b.WriteString("  membership unavailable, roster kept\n")
		}
		for _, w := range v.Warnings {
			fmt.Fprintf(&b, "  warning: %s\n", w)
		}
	}
	return b.String()
}
