package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
)

// NewConflictsCommand creates the conflicts command. Conflicts waiting for
// a user choice live in the running engine, so only the history is shown
// here; the daemon resolves pending ones.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List resolved conflicts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, true, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				history, err := a.Engine.GetConflictHistory(ctx, rootOpts.UserID, limit)
				if err != nil {
					return fail(f, ExitFailure, "conflict history", err)
				}
				var b strings.Builder
				fmt.Fprintf(&b, "%d conflicts", len(history))
				for _, c := range history {
					fmt.Fprintf(&b, "\n  %s %s %s %s -> %s (%s)",
						c.ResolvedAt.Format(time.RFC3339), c.ConflictID, c.ItemType, c.ItemID,
						c.Winner, c.ResolutionStrategy)
				}
				return f.Success(history, b.String())
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of conflicts")
	return cmd
}
