package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ctfboard/internal/reconcile"
	"github.com/roach88/ctfboard/internal/roster"
)

// FileValidation is the validation result of one community's definitions.
type FileValidation struct {
	Community  string   `json:"community"`
	Challenges int      `json:"challenges"`
	Members    int      `json:"members"`
	Warnings   []string `json:"warnings,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool             `json:"valid"`
	Communities []FileValidation `json:"communities"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [community-id...]",
		Short: "Check the config and challenge definitions",
		Long: `Load the config file and parse the challenge definitions of the given
communities, or of every file in challenges_dir. Malformed lines, duplicate
challenge names and unreadable member lists are reported.

Exit codes:
  0 - Everything parsed cleanly
  1 - One or more warnings
  2 - Config or directory error`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
}

func runValidate(opts *RootOptions, ids []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	formatter.VerboseLog("config ok: challenges in %s, members in %s", cfg.ChallengesDir, cfg.MembersDir)

	if len(ids) == 0 {
		ids, err = definitionFiles(cfg.ChallengesDir)
		if err != nil {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to list challenge definitions", err)
		}
	}

	catalogs := reconcile.DirCatalogSource{Dir: cfg.ChallengesDir}
	members := roster.NewFileSource(cfg.MembersDir)
	result := ValidationResult{Valid: true, Communities: make([]FileValidation, 0, len(ids))}

	for _, id := range ids {
		fv := FileValidation{Community: id}
		catalog, warnings, err := catalogs.LoadCatalog(id)
		if err != nil {
			fv.Warnings = append(fv.Warnings, err.Error())
		} else {
			fv.Challenges = catalog.Len()
			if fv.Challenges == 0 {
				fv.Warnings = append(fv.Warnings, "no challenges defined")
			}
		}
		for _, w := range warnings {
			fv.Warnings = append(fv.Warnings, w.Error())
		}

		ms, err := members.ListMembers(cmd.Context(), id)
		if err != nil {
			fv.Warnings = append(fv.Warnings, err.Error())
		}
		fv.Members = len(ms)

		if len(fv.Warnings) > 0 {
			result.Valid = false
		}
		formatter.VerboseLog("%s: %d challenges, %d members", id, fv.Challenges, fv.Members)
		result.Communities = append(result.Communities, fv)
	}

	if err := formatter.Success(result, formatValidation(result)); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation found problems")
	}
	return nil
}

func definitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("challenges directory not found: %s", dir)
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func formatValidation(r ValidationResult) string {
	var b strings.Builder
	for _, fv := range r.Communities {
		mark := "✓"
		if len(fv.Warnings) > 0 {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s: %d challenges, %d members\n", mark, fv.Community, fv.Challenges, fv.Members)
		for _, w := range fv.Warnings {
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}
	if r.Valid {
		b.WriteString("All definitions valid.\n")
	}
	return b.String()
}
