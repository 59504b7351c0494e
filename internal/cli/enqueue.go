package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	"github.com/kimhsiao/mindharbor/backend/internal/models"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/queue"
)

// kindAliases maps the command line names onto item types.
var kindAliases = map[string]models.ItemType{
	"mood":    models.ItemMoodEntry,
	"message": models.ItemMessage,
	"crisis":  models.ItemCrisisEvent,
	"journal": models.ItemJournalEntry,
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var file, priority string

	cmd := &cobra.Command{
		Use:   "enqueue <mood|message|crisis|journal> [payload-json]",
		Short: "Queue a local write",
		Long: `Queue a local write in the offline store.

The payload is a JSON object given inline or read from --file. Sensitive
fields are encrypted when the item is uploaded, not when it is queued.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(rootOpts, cmd, args, file, priority)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a JSON file")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "override the default priority (low|normal|high|immediate|critical)")
	return cmd
}

func runEnqueue(opts *RootOptions, cmd *cobra.Command, args []string, file, priority string) error {
	f := newFormatter(opts, cmd)
	itemType, ok := kindAliases[args[0]]
	if !ok {
		itemType = models.ItemType(args[0])
	}
	if !itemType.Valid() {
		f.Error(ErrCodeUsage, fmt.Sprintf("unknown item type %q", args[0]), nil)
		return NewExitError(ExitCommandError, "unknown item type "+args[0])
	}

	payload, err := readPayload(args, file)
	if err != nil {
		f.Error(ErrCodeUsage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "read payload", err)
	}

	req := queue.EnqueueRequest{UserID: opts.UserID, ItemType: itemType, Payload: payload}
	if priority != "" {
		p, err := models.ParsePriority(priority)
		if err != nil {
			f.Error(ErrCodeUsage, err.Error(), nil)
			return WrapExitError(ExitCommandError, "parse priority", err)
		}
		req.Priority = &p
	}

	return withApp(opts, cmd, true, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
		item, err := a.Engine.Enqueue(ctx, req)
		if err != nil {
			return fail(f, ExitFailure, "enqueue", err)
		}
		return f.Success(item, fmt.Sprintf("Queued %s %s (priority %s)", item.ItemType, item.TempID, item.Priority))
	})
}

func readPayload(args []string, file string) (map[string]interface{}, error) {
	var raw []byte
	switch {
	case file != "" && len(args) > 1:
		return nil, fmt.Errorf("give the payload inline or with --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	case len(args) > 1:
		raw = []byte(args[1])
	default:
		return nil, fmt.Errorf("payload required")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}
