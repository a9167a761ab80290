package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/todosync/internal/daemon"
	"github.com/steveyegge/todosync/internal/dashboard"
	"github.com/steveyegge/todosync/internal/ui"
)

// hostedPollInterval applies to hosted stores when no poll interval is
// configured, since they have no file to watch.
const hostedPollInterval = 30 * time.Second

func newDaemonCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "advanced",
		Short:   "Keep a session in sync with the store (foreground)",
		Long: `Run a long-lived session in the foreground.

The daemon will:
  1. Pull the user's tasks and labels
  2. Re-pull whenever another process writes the SQLite store
  3. Re-pull on --poll for hosted stores
  4. Push changes that failed to reach the store on --schedule`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSession(cmd, false)
		},
	}
	addSessionFlags(c, cmd)
	return cmd
}

func newDashboardCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dashboard",
		GroupID: "advanced",
		Short:   "Run the daemon with a real-time WebSocket dashboard",
		Long: `Run the daemon together with a WebSocket dashboard.

WebSocket messages include:
- task_update: Task created, updated, deleted or replaced by a pull
- label_update: Label created, updated, deleted or replaced by a pull
- sync_complete: A pull finished
- notification: A success or failure message
- stats: Task counts

Example usage:
  td dashboard                   # Start on default port 8080
  td dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSession(cmd, true)
		},
	}
	addSessionFlags(c, cmd)
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	_ = c.v.BindPFlag("dashboard.port", cmd.Flags().Lookup("port"))
	return cmd
}

func addSessionFlags(c *cli, cmd *cobra.Command) {
	cmd.Flags().Duration("poll", 0, "re-pull interval (0 disables; hosted stores default to 30s)")
	cmd.Flags().String("schedule", "@every 30s", `cron spec for pushing unsynced changes ("" disables)`)
	cmd.Flags().Duration("debounce", 250*time.Millisecond, "quiet period after store writes before re-pulling")
	_ = c.v.BindPFlag("daemon.poll_interval", cmd.Flags().Lookup("poll"))
	_ = c.v.BindPFlag("daemon.reconcile_schedule", cmd.Flags().Lookup("schedule"))
	_ = c.v.BindPFlag("daemon.debounce", cmd.Flags().Lookup("debounce"))
}

func (c *cli) runSession(cmd *cobra.Command, withDashboard bool) error {
	cfg := c.cfg

	a, err := c.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	dcfg := daemon.DefaultConfig()
	dcfg.Logger = a.logs.For("daemon")
	dcfg.DebounceInterval = cfg.Daemon.Debounce
	dcfg.PollInterval = cfg.Daemon.PollInterval
	dcfg.ReconcileSchedule = cfg.Daemon.ReconcileSchedule
	if a.db.Hosted() {
		if dcfg.PollInterval == 0 {
			dcfg.PollInterval = hostedPollInterval
		}
	} else {
		dcfg.StorePath = a.db.Path()
	}

	rc := &journalReconciler{store: a.store, journal: a.journal}
	d, err := daemon.NewWithConfig(a.userID(), a.sync, rc, dcfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	var server *dashboard.Server
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Source: a.store,
			Logger: a.logs.For("dashboard"),
		})
		handler := dashboard.NewHandler(server, a.logs.For("dashboard"))
		a.store.Subscribe(handler)
		a.sync.OnComplete(handler.OnSyncComplete)
		a.notices.Add(handler)

		if err := server.Start(); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Starting td daemon...\n", ui.RenderAccent("🚀"))
	fmt.Fprintf(out, "   Store: %s\n", a.db.Path())
	fmt.Fprintf(out, "   User: %s\n", a.userID())
	if server != nil {
		fmt.Fprintf(out, "   Dashboard: http://%s\n", server.GetAddr())
		fmt.Fprintf(out, "   WebSocket: ws://%s/ws\n", server.GetAddr())
	}
	fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Start blocks until ctx is cancelled.
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon stopped with error: %w", err)
	}
	return nil
}
