package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	syncpkg "github.com/kimhsiao/mindharbor/backend/internal/sync"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass",
		Long: `Upload the queued writes of --user.

The strategy follows the current connection: a full pass on good
connections, a priority pass on fair ones and crisis events only on poor
ones. A pass cut short by a lost connection is left for "resume".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, true, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				res, err := a.Engine.StartSync(ctx, rootOpts.UserID)
				if err != nil {
					return fail(f, ExitFailure, "sync", err)
				}
				return reportPass(f, res)
			})
		},
	}
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the latest interrupted sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, true, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				res, err := a.Engine.ResumeLatest(ctx, rootOpts.UserID)
				if err != nil {
					return fail(f, ExitFailure, "resume", err)
				}
				return reportPass(f, res)
			})
		},
	}
}

// reportPass prints a pass result. Passes that did not complete exit with
// ExitFailure.
func reportPass(f *OutputFormatter, res *syncpkg.SyncResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Sync %s %s (%s): %d synced, %d failed, %d conflicts, %d quarantined",
		res.SyncID, res.Status, res.Strategy,
		len(res.Successful), len(res.Failed), len(res.Conflicts), len(res.Quarantined))
	for _, failure := range res.Failed {
		fmt.Fprintf(&b, "\n  failed %s [%s] %s", failure.TempID, failure.Code, failure.Error)
	}
	for _, c := range res.Conflicts {
		fmt.Fprintf(&b, "\n  conflict %s on %s: %s", c.ConflictID, c.RecordID, c.Resolution.Winner)
	}
	if res.Interruption != nil {
		fmt.Fprintf(&b, "\n  interrupted at batch %d", res.Progress.CurrentBatch)
	}
	if err := f.Success(res, b.String()); err != nil {
		return err
	}
	if res.Status != models.SessionCompleted {
		return NewExitError(ExitFailure, fmt.Sprintf("sync %s", res.Status))
	}
	return nil
}

// NewDeltaCommand creates the delta command.
func NewDeltaCommand(rootOpts *RootOptions) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "delta",
		Short: "Pull remote changes since the last delta sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var from *time.Time
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					f := newFormatter(rootOpts, cmd)
					f.Error(ErrCodeUsage, "--since must be an RFC 3339 timestamp", nil)
					return WrapExitError(ExitCommandError, "parse --since", err)
				}
				from = &t
			}
			return withApp(rootOpts, cmd, true, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				res, err := a.Engine.PerformDeltaSync(ctx, rootOpts.UserID, from)
				if err != nil {
					return fail(f, ExitFailure, "delta sync", err)
				}
				text := fmt.Sprintf("Delta sync: %d changed, %d skipped, %d conflicts, cursor %s",
					len(res.ChangedItems), res.ItemsSkipped, len(res.Conflicts),
					res.NewSyncTimestamp.Format(time.RFC3339))
				return f.Success(res, text)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "fetch changes after this RFC 3339 time instead of the stored cursor")
	return cmd
}
