// Package cli implements the syncctl command line: queueing local writes,
// running sync passes and inspecting the offline store.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	"github.com/kimhsiao/mindharbor/backend/internal/config"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	UserID     string
	Format     string // "json" | "text"
	Verbose    bool

	// AppOptions are passed to app.Open. Tests use them to swap the remote
	// and the network monitor.
	AppOptions []app.Option
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around opts.
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "MindHarbor offline sync control",
		Long: `Queue local writes and drive the offline-first sync engine.

Writes are kept in the local offline store and uploaded to the remote API
by sync passes. Crisis events always go first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVarP(&opts.UserID, "user", "u", "", "user id the command acts for")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewDeltaCommand(opts))
	cmd.AddCommand(NewStorageCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// withApp loads the config, opens the engine, runs fn and closes the engine.
// Engine logs go to stderr so JSON output stays parseable.
func withApp(opts *RootOptions, cmd *cobra.Command, needUser bool, fn func(ctx context.Context, a *app.App, f *OutputFormatter) error) error {
	f := newFormatter(opts, cmd)
	if needUser && opts.UserID == "" {
		f.Error(ErrCodeUsage, "--user is required", nil)
		return NewExitError(ExitCommandError, "--user is required")
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fail(f, ExitCommandError, "load config", err)
	}
	level := logging.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = logging.LevelDebug
	}
	logging.Init(os.Stderr, level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Open(ctx, cfg, opts.AppOptions...)
	if err != nil {
		return fail(f, ExitCommandError, "open sync engine", err)
	}
	defer a.Close()

	f.VerboseLog("Opened %s store in %s as device %s", cfg.Store, cfg.DataDir, a.DeviceID)
	return fn(ctx, a, f)
}
