package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/todosync/internal/export"
	"github.com/steveyegge/todosync/internal/ui"
)

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Pull tasks and labels from the store",
		Long: `Pull the current user's tasks and labels from the store and report
what was found. Empty collections leave local state untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.sync.Resync(ctx, a.userID())
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s Sync complete in %v\n", ui.RenderPass("✓"), res.Duration().Round(time.Millisecond))
				fmt.Fprintf(a.out, "   User: %s\n", res.UserID)
				fmt.Fprintf(a.out, "   Tasks: %d\n", res.Tasks)
				fmt.Fprintf(a.out, "   Labels: %d\n", res.Labels)
				if res.Skipped > 0 {
					fmt.Fprintf(a.out, "   %s %d task rows could not be read\n", ui.RenderWarn("!"), res.Skipped)
				}
				return nil
			})
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show store and session status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				kind := "local SQLite"
				if a.db.Hosted() {
					kind = "hosted (Turso)"
				}
				_, signedIn := a.provider.CurrentUserID()
				who := "anonymous"
				if signedIn && c.cfg.Session.UserID != "" {
					who = "signed in"
				}

				fmt.Fprintf(a.out, "\n%s td status\n\n", ui.RenderAccent("📊"))
				fmt.Fprintf(a.out, "Store: %s (%s)\n", a.db.Path(), kind)
				if c.cfg.File != "" {
					fmt.Fprintf(a.out, "Config: %s\n", c.cfg.File)
				}
				fmt.Fprintf(a.out, "User: %s (%s)\n", a.userID(), who)

				last := a.sync.LastResult()
				fmt.Fprintf(a.out, "Sync: %s\n", a.sync.State())
				if last.Err != nil {
					fmt.Fprintf(a.out, "   %s %v\n", ui.RenderFail("✗"), last.Err)
				}

				counts := a.store.Tasks.Counts()
				fmt.Fprintf(a.out, "Tasks: %d (%d active, %d completed)\n", counts.All, counts.Active, counts.Completed)
				fmt.Fprintf(a.out, "Labels: %d\n", len(a.store.Labels.Labels()))

				if !a.db.Hosted() {
					rows, err := a.db.Counts(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(a.out, "Rows (all users): tasks=%d labels=%d links=%d\n",
						rows["tasks"], rows["labels"], rows["task_labels"])
				}
				fmt.Fprintln(a.out)
				return nil
			})
		},
	}
}

func newExportCmd(c *cli) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:     "export",
		GroupID: "sync",
		Short:   "Export tasks and labels as JSON, YAML or TOML",
		Long: `Export the current user's tasks and labels. With --output the format
follows the file extension unless --format is given.

Examples:
  td export > backup.json
  td export --format yaml
  td export -o backup.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				tasks, labels := a.store.Snapshot()
				snap := export.New(a.userID(), tasks, labels)

				if output == "" {
					f, err := export.ParseFormat(format)
					if err != nil {
						return err
					}
					return export.Encode(a.out, f, snap)
				}

				var err error
				if cmd.Flags().Changed("format") {
					var f export.Format
					if f, err = export.ParseFormat(format); err == nil {
						err = export.WriteFileAs(output, f, snap)
					}
				} else {
					err = export.WriteFile(output, snap)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s Exported %d tasks and %d labels to %s\n",
					ui.RenderPass("✓"), len(snap.Tasks), len(snap.Labels), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "json, yaml or toml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "import FILE",
		GroupID: "sync",
		Short:   "Import a snapshot written by td export",
		Long: `Import tasks and labels from a JSON, YAML or TOML snapshot into the
store on behalf of the current user, then pull them. Rows with the same
ids are overwritten; nothing is deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := export.ReadFile(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := export.Import(ctx, a.db, snap, a.userID())
				if err != nil {
					return err
				}
				if _, err := a.sync.Resync(ctx, a.userID()); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s Imported %d tasks and %d labels\n", ui.RenderPass("✓"), res.Tasks, res.Labels)
				if res.DroppedLinks > 0 {
					fmt.Fprintf(a.out, "   %s dropped %d references to missing labels\n", ui.RenderWarn("!"), res.DroppedLinks)
				}
				return nil
			})
		},
	}
}
