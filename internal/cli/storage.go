package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
)

// NewStorageCommand creates the storage command.
func NewStorageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show offline storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, true, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				info, err := a.Engine.GetStorageInfo(ctx, rootOpts.UserID)
				if err != nil {
					return fail(f, ExitFailure, "storage info", err)
				}

				var b strings.Builder
				fmt.Fprintf(&b, "Used %d of %d bytes (%d available)", info.UsedBytes, info.QuotaBytes, info.AvailableBytes)
				if info.NeedsCleanup {
					b.WriteString(", cleanup recommended")
				}
				for _, t := range sortedTypes(info.ByType) {
					u := info.ByType[t]
					fmt.Fprintf(&b, "\n  %-14s total=%d pending=%d failed=%d synced=%d conflict=%d quarantined=%d bytes=%d",
						t, u.Total, u.Pending, u.Failed, u.Synced, u.Conflict, u.Quarantined, u.Bytes)
				}
				return f.Success(info, b.String())
			})
		},
	}
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old synced and failed items",
		Long: `Delete synced and failed items last touched more than --days ago.

Failed crisis events are never deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, true, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				res, err := a.Engine.CleanupOldOfflineData(ctx, rootOpts.UserID, days)
				if err != nil {
					return fail(f, ExitFailure, "cleanup", err)
				}
				return f.Success(res, fmt.Sprintf("Deleted %d items, freed %d bytes", res.DeletedItems, res.FreedSpace))
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "age in days (default: queue.retention_days)")
	return cmd
}

func sortedTypes[V any](m map[models.ItemType]V) []models.ItemType {
	types := make([]models.ItemType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
