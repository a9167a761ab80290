// Command td is a task list that mirrors every change to a SQLite or Turso
// store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/todosync/internal/config"
	"github.com/steveyegge/todosync/internal/remote"
	"github.com/steveyegge/todosync/internal/ui"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// cli carries state shared by every command of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config

	// wrapRemote, when set, decorates the opened store. Tests use it to
	// make the store unreachable.
	wrapRemote func(remote.Store) remote.Store
}

func newRootCmd() *cobra.Command {
	return newRoot(&cli{v: config.New()})
}

func newRoot(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "td",
		Short: "Task list with labels, due dates and remote sync",
		Long: `td keeps a task list with labels and due dates.

Every change is applied locally first and then mirrored to the configured
store: a local SQLite file by default, or a hosted Turso database when
store.dsn is a libsql:// URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.Init(cmd.OutOrStdout())
			cfg, err := config.Load(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	root.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "labels", Title: "Labels:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/td/config.yaml)")
	flags.String("db", "", "store DSN: SQLite path or libsql:// URL")
	flags.String("user", "", "user id (default: anonymous)")
	flags.BoolP("verbose", "v", false, "also print logs to stderr when logging to a file")
	_ = c.v.BindPFlag("store.dsn", flags.Lookup("db"))
	_ = c.v.BindPFlag("session.user_id", flags.Lookup("user"))
	_ = c.v.BindPFlag("log.verbose", flags.Lookup("verbose"))

	root.AddCommand(
		newAddCmd(c),
		newListCmd(c),
		newToggleCmd(c),
		newDueCmd(c),
		newTagCmd(c),
		newRmCmd(c),
		newClearCompletedCmd(c),
		newLabelCmd(c),
		newSyncCmd(c),
		newStatusCmd(c),
		newExportCmd(c),
		newImportCmd(c),
		newDaemonCmd(c),
		newDashboardCmd(c),
		newBenchCmd(c),
		newConfigCmd(c),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
