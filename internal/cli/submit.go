package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ctfboard/internal/community"
	"github.com/roach88/ctfboard/internal/engine"
	"github.com/roach88/ctfboard/internal/roster"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Community string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <participant> <answer>",
		Short: "Submit one answer",
		Long: `Reconcile the community and process a single answer submission.

Without --community the answer names its community after a '#':
  ctfboard submit alice 'Warmup:FLAG{x}#guild'
With --community the answer is just "<challenge name>:<flag>":
  ctfboard submit alice 'Warmup:FLAG{x}' --community guild`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Community, "community", "", "community the answer is scoped to")

	return cmd
}

func runSubmit(opts *SubmitOptions, participant, answer string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	a, err := openApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ev := engine.Event{
		Type:        engine.EventSubmit,
		CommunityID: opts.Community,
		Participant: roster.ParticipantID(participant),
		Text:        answer,
		Scoped:      opts.Community != "",
	}

	// Load the community the answer targets; a malformed answer is left to
	// the engine to reject.
	target := opts.Community
	if target == "" {
		if sub, err := community.ParseSubmission(answer, false); err == nil {
			target = sub.CommunityID
		}
	}
	if target != "" {
		known, err := a.reconciler.Communities(ctx, a.registry)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list communities", err)
		}
		if slices.Contains(known, target) {
			if _, err := a.reconcile(ctx, []string{target}); err != nil {
				_ = formatter.Error(ErrCodeReconcile, err.Error(), nil)
				return WrapExitError(ExitFailure, "reconciliation failed", err)
			}
		}
	}

	res := a.newEngine().Process(ctx, ev)
	if res.Outcome == engine.OutcomeFailed {
		_ = formatter.Error(ErrCodeInvalid, res.Err.Error(), res)
		return WrapExitError(ExitFailure, "submission failed", res.Err)
	}
	// No later event will retry a failed write in a one-shot run.
	if community.IsPersistenceError(res.Err) {
		formatter.VerboseLog("retrying failed write: %v", res.Err)
		if err := flushDirty(a); err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), res)
			return WrapExitError(ExitFailure, "solve not saved", err)
		}
	}
	return formatter.Success(res, fmt.Sprintf("%s\n", res.Response))
}
