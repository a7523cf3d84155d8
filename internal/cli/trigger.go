package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorenzkrinner/gitfix/pkg/api"
	"github.com/lorenzkrinner/gitfix/pkg/timeline"
)

// TriggerOptions holds flags for the trigger command.
type TriggerOptions struct {
	*RootOptions
	RepositoryID string
	IssueNumber  int
	Title        string
	Body         string
	NoPacing     bool
	Follow       bool
}

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TriggerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Create an issue and run it to completion in this process",
		Long: `Create an issue instance and replay its workflow in the foreground,
waiting out suspensions, then print the reconciled timeline.

Example:
  gitfix trigger --repo repo-1 --number 7 --title "TypeError when session expires"
  gitfix trigger --title "Crash on login" --follow --format text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrigger(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.RepositoryID, "repo", "demo", "repository id")
	cmd.Flags().IntVar(&opts.IssueNumber, "number", 1, "issue number")
	cmd.Flags().StringVar(&opts.Title, "title", "", "issue title (required)")
	cmd.Flags().StringVar(&opts.Body, "body", "", "issue body")
	cmd.Flags().BoolVar(&opts.NoPacing, "no-pacing", false, "run without the simulated agent's delays")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "print activity as it happens (text format only)")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func runTrigger(ctx context.Context, cmd *cobra.Command, opts *TriggerOptions) error {
	cfg := *opts.Config
	if opts.NoPacing {
		cfg.Pacing.Enabled = false
	}
	a, err := openApp(ctx, &cfg, opts.Logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "start", err)
	}
	defer a.Close()

	inst := &api.WorkflowInstance{
		RepositoryID: opts.RepositoryID,
		IssueNumber:  opts.IssueNumber,
		Title:        opts.Title,
		Body:         opts.Body,
	}
	if err := a.eng.CreateInstance(ctx, inst); err != nil {
		return WrapExitError(ExitFailure, "create instance", err)
	}
	opts.Logger.Info("instance created", "instance_id", inst.ID)

	p := opts.printer(cmd)
	// stopFollow closes the live feed and waits until its last entry is
	// printed.
	stopFollow := func() {}
	if opts.Follow && p.Format == "text" {
		sub, err := a.eng.Subscribe(ctx, inst.ID, nil)
		if err != nil {
			return WrapExitError(ExitFailure, "subscribe", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range sub.C() {
				if timeline.Finished(msg.Data) {
					p.Entry(timeline.Entry{Topic: msg.Topic, CorrelationID: msg.CorrelationID, Details: msg.Data, At: msg.PublishedAt})
				}
			}
		}()
		stopFollow = sync.OnceFunc(func() {
			sub.Close()
			<-done
		})
		defer stopFollow()
	}

	final, err := runToCompletion(ctx, a, inst.ID)
	if err != nil {
		return WrapExitError(ExitFailure, "run", err)
	}
	if opts.Follow && p.Format == "text" {
		stopFollow()
		fmt.Fprintln(p.Writer)
		return p.Instance(final)
	}

	recs, err := a.eng.ListActivity(ctx, inst.ID)
	if err != nil {
		return WrapExitError(ExitFailure, "list activity", err)
	}
	tl := timeline.New()
	tl.Seed(recs)
	if p.Format == "json" {
		return p.json(struct {
			Instance *api.WorkflowInstance `json:"instance"`
			Timeline []timeline.Entry      `json:"timeline"`
		}{final, tl.Entries()})
	}
	if err := p.Timeline(tl.Entries()); err != nil {
		return err
	}
	fmt.Fprintln(p.Writer)
	return p.Instance(final)
}

// runToCompletion replays id until it reaches a terminal status, sleeping
// through suspensions in place of the resume task.
func runToCompletion(ctx context.Context, a *app, id string) (*api.WorkflowInstance, error) {
	for {
		inst, err := a.eng.Execute(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() || inst.WakeAt.IsZero() {
			return inst, nil
		}
		t := time.NewTimer(time.Until(inst.WakeAt))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
