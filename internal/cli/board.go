package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ctfboard/internal/feed"
	"github.com/roach88/ctfboard/internal/reconcile"
)

// BoardLine is one scoreboard row.
type BoardLine struct {
	Participant string `json:"participant"`
	Name        string `json:"name"`
	Score       int    `json:"score"`
}

// NewScoreboardCommand creates the scoreboard command.
func NewScoreboardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scoreboard <community-id>",
		Short: "Print a community's scoreboard",
		Long: `Reconcile a community and print its scoreboard, highest score first.

Example:
  ctfboard scoreboard guild`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScoreboard(rootOpts, args[0], cmd)
		},
	}
}

func runScoreboard(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer a.Close()

	known, err := a.reconciler.Communities(cmd.Context(), a.registry)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list communities", err)
	}
	if !slices.Contains(known, id) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("unknown community %q", id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("unknown community %q", id))
	}
	if _, err := a.reconcile(cmd.Context(), []string{id}); err != nil {
		_ = formatter.Error(ErrCodeReconcile, err.Error(), nil)
		return WrapExitError(ExitFailure, "reconciliation failed", err)
	}

	st, _ := a.registry.Get(id)
	st.Lock()
	lines := st.Board.Render(st.Roster)
	st.Unlock()

	rows := make([]BoardLine, len(lines))
	for i, l := range lines {
		rows[i] = BoardLine{Participant: string(l.Participant), Name: l.DisplayName, Score: l.Score}
	}
	text := feed.FormatBoard(lines)
	if text == "" {
		text = "No participants.\n"
	}
	return formatter.Success(rows, text)
}

// ChallengeView is the JSON form of a challenge. Flags are never printed.
type ChallengeView struct {
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Difficulty  int    `json:"difficulty"`
	Reward      int    `json:"reward"`
}

// NewChallengesCommand creates the challenges command.
func NewChallengesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "challenges <community-id>",
		Short: "Print a community's challenge board",
		Long: `Parse a community's challenge definitions and print the board shown
to participants. Malformed lines are reported with --verbose.

Example:
  ctfboard challenges guild`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChallenges(rootOpts, args[0], cmd)
		},
	}
}

func runChallenges(opts *RootOptions, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	catalog, warnings, err := reconcile.DirCatalogSource{Dir: cfg.ChallengesDir}.LoadCatalog(id)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalid, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to load challenges", err)
	}
	for _, w := range warnings {
		formatter.VerboseLog("warning: %s", w)
	}

	challenges := catalog.Challenges()
	views := make([]ChallengeView, len(challenges))
	for i, c := range challenges {
		views[i] = ChallengeView{
			Name:        c.Name,
			Category:    c.Category,
			Description: c.Description,
			Difficulty:  c.Difficulty,
			Reward:      c.Reward,
		}
	}
	text := feed.FormatChallenges(challenges)
	if text == "" {
		text = "No challenges.\n"
	}
	return formatter.Success(views, text)
}
