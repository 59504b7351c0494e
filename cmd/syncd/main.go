// Command syncd runs the sync engine as a local daemon for desktop clients.
// It syncs in the background and serves REST and WebSocket endpoints on
// localhost.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/mindharbor/backend/internal/app"
	"github.com/kimhsiao/mindharbor/backend/internal/config"
	"github.com/kimhsiao/mindharbor/backend/internal/logging"
	"github.com/kimhsiao/mindharbor/backend/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

type daemonOptions struct {
	ConfigPath string
	Addr       string
	Users      []string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &daemonOptions{}
	cmd := &cobra.Command{
		Use:          "syncd",
		Short:        "MindHarbor sync daemon",
		Version:      Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringSliceVarP(&opts.Users, "user", "u", nil, "users synced in the background (repeatable)")
	return cmd
}

// daemon is an opened engine with its scheduler and event hub.
type daemon struct {
	app    *app.App
	sched  *scheduler.Scheduler
	hub    *WSHub
	server *Server
}

func newDaemon(ctx context.Context, cfg *config.Config, users []string, reg *prometheus.Registry, appOpts ...app.Option) (*daemon, error) {
	var gatherer prometheus.Gatherer
	if reg != nil {
		appOpts = append(appOpts, app.WithRegistry(reg))
		gatherer = reg
	}
	a, err := app.Open(ctx, cfg, appOpts...)
	if err != nil {
		return nil, err
	}

	hub := NewWSHub()
	a.Engine.SetEventHandler(hub)

	sched := scheduler.NewScheduler(a.Engine, a.Monitor, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.Interval,
		RetentionDays: cfg.Queue.RetentionDays,
		UserIDs:       users,
	})
	return &daemon{
		app:    a,
		sched:  sched,
		hub:    hub,
		server: NewServer(a, sched, hub, gatherer),
	}, nil
}

func (d *daemon) Close() error {
	d.sched.Stop()
	d.hub.Stop()
	return d.app.Close()
}

func run(ctx context.Context, opts *daemonOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	d, err := newDaemon(ctx, cfg, opts.Users, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	d.sched.Start(ctx)

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           d.server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Sync daemon listening", map[string]interface{}{"addr": opts.Addr, "users": opts.Users})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Sync daemon shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
