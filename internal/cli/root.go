package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ctfboard/internal/reconcile"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	// Strategy overrides reconcile.strategy from the config file.
	Strategy string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultConfigPath is read when --config is not given. A missing file
// yields the built-in defaults.
const DefaultConfigPath = "ctfboard.yaml"

// NewRootCommand creates the root command for the ctfboard CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ctfboard",
		Short: "ctfboard - capture-the-flag scoreboard",
		Long: `A capture-the-flag scoreboard serving many communities at once.

Participants submit "<challenge name>:<flag>" answers; correct answers are
recorded once per participant and challenge, and each community's
scoreboard is recomputed from its roster, solve ledger and challenge catalog.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Strategy != "" {
				if _, err := reconcile.ParseStrategy(opts.Strategy); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Strategy, "strategy", "", "reconcile strategy override (preserve|prune)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewScoreboardCommand(opts))
	cmd.AddCommand(NewChallengesCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
