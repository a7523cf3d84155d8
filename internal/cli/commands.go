package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorenzkrinner/gitfix/internal/token"
	"github.com/lorenzkrinner/gitfix/pkg/api"
	"github.com/lorenzkrinner/gitfix/pkg/timeline"
)

// NewActivityCommand creates the activity command.
func NewActivityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activity <issue-id>",
		Short: "Print an issue's reconciled activity timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "start", err)
			}
			defer a.Close()

			recs, err := a.eng.ListActivity(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "list activity", err)
			}
			tl := timeline.New()
			tl.Seed(recs)
			return rootOpts.printer(cmd).Timeline(tl.Entries())
		},
	}
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	var post bool
	cmd := &cobra.Command{
		Use:   "approve <issue-id>",
		Short: "Approve an issue awaiting review",
		Long: `Move an issue from awaiting_review to resolved. With --post the drafted
comment is posted to the issue first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "start", err)
			}
			defer a.Close()

			approve := a.eng.Approve
			if post {
				approve = a.eng.ApproveAndPost
			}
			inst, err := approve(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "approve", err)
			}
			return rootOpts.printer(cmd).Instance(inst)
		},
	}
	cmd.Flags().BoolVar(&post, "post", false, "post the drafted comment before resolving")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		userID, orgID string
		topics        []string
	)
	cmd := &cobra.Command{
		Use:   "token <issue-id>",
		Short: "Issue a subscription token for an issue's live stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			parsed, err := api.ParseTopics(splitTopics(topics))
			if err != nil {
				return WrapExitError(ExitCommandError, "topics", err)
			}
			a, err := openApp(ctx, rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "start", err)
			}
			defer a.Close()

			svc, err := newTokenService(a, rootOpts.Config.Token, rootOpts.Logger, false)
			if err != nil {
				return WrapExitError(ExitCommandError, "token service", err)
			}
			tok, err := svc.Issue(ctx, token.Identity{UserID: userID, OrgID: orgID}, args[0], parsed)
			if err != nil {
				return WrapExitError(ExitFailure, "issue token", err)
			}
			return rootOpts.printer(cmd).Token(tok)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token is issued to")
	cmd.Flags().StringVar(&orgID, "org", "", "organization of the user")
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "topics to grant (default all)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func splitTopics(in []string) []string {
	var out []string
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
