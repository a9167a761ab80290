package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/todosync/internal/duedate"
	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/ui"
)

func newAddCmd(c *cli) *cobra.Command {
	var (
		due    string
		labels []string
	)
	cmd := &cobra.Command{
		Use:     "add [title...]",
		GroupID: "tasks",
		Short:   "Add a task",
		Long: `Add a task. Without a title on an interactive terminal, td asks for
the title, due date and labels in a form.

Examples:
  td add Buy milk
  td add "Send report" --due "friday 5pm" --label work`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				parser := duedate.New(nil)
				title := strings.Join(args, " ")

				if title == "" {
					if !term.IsTerminal(int(os.Stdin.Fd())) {
						return fmt.Errorf("title is required")
					}
					var err error
					title, due, labels, err = addForm(a, parser)
					if err != nil {
						return err
					}
				}

				dueAt, err := parser.Parse(due)
				if err != nil {
					return err
				}
				ids, err := resolveLabels(a.store, labels)
				if err != nil {
					return err
				}

				task, err := a.store.Tasks.AddTask(ctx, title, dueAt, ids...)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, ui.RenderTask(task, labelIndex(a.store.Labels.Labels()), false, time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&due, "due", "d", "", `due date, e.g. "tomorrow" or "2024-06-01"`)
	cmd.Flags().StringSliceVarP(&labels, "label", "l", nil, "label name or id (repeatable)")
	return cmd
}

// addForm asks for a new task interactively. Label names are returned as
// references for resolveLabels.
func addForm(a *app, parser *duedate.Parser) (title, due string, labels []string, err error) {
	fields := []huh.Field{
		huh.NewInput().
			Title("Title").
			Value(&title).
			Validate(func(s string) error {
				_, err := schema.ValidateTitle(s)
				return err
			}),
		huh.NewInput().
			Title("Due").
			Placeholder("tomorrow 5pm, next friday, 2024-06-01").
			Value(&due).
			Validate(func(s string) error {
				_, err := parser.Parse(s)
				return err
			}),
	}

	var picked []string
	if all := sortedLabels(a.store.Labels.Labels()); len(all) > 0 {
		opts := make([]huh.Option[string], 0, len(all))
		for _, l := range all {
			opts = append(opts, huh.NewOption(l.Name, l.ID))
		}
		fields = append(fields, huh.NewMultiSelect[string]().
			Title("Labels").
			Options(opts...).
			Value(&picked))
	}

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return "", "", nil, err
	}
	return title, due, picked, nil
}

// listEntry is the JSON shape of td list --json.
type listEntry struct {
	schema.Task
	LabelNames []string `json:"label_names"`
	Dirty      bool     `json:"dirty,omitempty"`
}

func newListCmd(c *cli) *cobra.Command {
	var (
		status  string
		label   string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		GroupID: "tasks",
		Short:   "List tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				filter, err := schema.ParseStatus(status)
				if err != nil {
					return err
				}
				if err := a.store.Tasks.SetFilter(filter); err != nil {
					return err
				}
				if label != "" {
					l, err := resolveLabel(a.store, label)
					if err != nil {
						return err
					}
					if err := a.store.Labels.SetLabelFilter(l.ID); err != nil {
						return err
					}
				}

				tasks := a.store.Tasks.FilteredTasks()
				labels := labelIndex(a.store.Labels.Labels())
				dirtyTasks, _ := a.store.Dirty()
				dirty := make(map[string]bool, len(dirtyTasks))
				for _, id := range dirtyTasks {
					dirty[id] = true
				}

				if jsonOut {
					out := make([]listEntry, 0, len(tasks))
					for _, t := range tasks {
						e := listEntry{Task: t, LabelNames: []string{}, Dirty: dirty[t.ID]}
						for _, id := range t.Labels {
							if l, ok := labels[id]; ok {
								e.LabelNames = append(e.LabelNames, l.Name)
							}
						}
						out = append(out, e)
					}
					enc := json.NewEncoder(a.out)
					enc.SetIndent("", "  ")
					return enc.Encode(out)
				}

				if len(tasks) == 0 {
					fmt.Fprintln(a.out, ui.RenderMuted("No tasks"))
				}
				now := time.Now()
				for _, t := range tasks {
					fmt.Fprintln(a.out, ui.RenderTask(t, labels, dirty[t.ID], now))
				}
				counts := a.store.Tasks.Counts()
				fmt.Fprintln(a.out, ui.Counts(counts.Active, counts.Completed))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "all", "all, active or completed")
	cmd.Flags().StringVarP(&label, "label", "l", "", "only tasks with this label")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newToggleCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "toggle ID",
		Aliases: []string{"done"},
		GroupID: "tasks",
		Short:   "Mark a task completed or active",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				task, err := resolveTask(a.store, args[0])
				if err != nil {
					return err
				}
				_, err = a.store.Tasks.ToggleTask(ctx, task.ID)
				return err
			})
		},
	}
}

func newDueCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "due ID WHEN",
		GroupID: "tasks",
		Short:   "Set or clear a task's due date",
		Long: `Set a task's due date. WHEN is a date such as "2024-06-01", a phrase
such as "next friday", or "none" to clear it.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				task, err := resolveTask(a.store, args[0])
				if err != nil {
					return err
				}
				due, err := duedate.New(nil).Parse(strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				_, err = a.store.Tasks.UpdateTaskDueDate(ctx, task.ID, due)
				return err
			})
		},
	}
}

func newTagCmd(c *cli) *cobra.Command {
	var add, remove bool
	cmd := &cobra.Command{
		Use:     "tag ID [LABEL...]",
		GroupID: "tasks",
		Short:   "Set the labels of a task",
		Long: `Set the labels of a task to exactly the given labels. With --add or
--remove the given labels are added to or removed from the current set.
Without labels and flags, all labels are removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if add && remove {
				return fmt.Errorf("--add and --remove are mutually exclusive")
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				task, err := resolveTask(a.store, args[0])
				if err != nil {
					return err
				}
				ids, err := resolveLabels(a.store, args[1:])
				if err != nil {
					return err
				}
				switch {
				case add:
					ids = append(append([]string{}, task.Labels...), ids...)
				case remove:
					drop := make(map[string]bool, len(ids))
					for _, id := range ids {
						drop[id] = true
					}
					kept := make([]string, 0, len(task.Labels))
					for _, id := range task.Labels {
						if !drop[id] {
							kept = append(kept, id)
						}
					}
					ids = kept
				}
				_, err = a.store.Tasks.UpdateTaskLabels(ctx, task.ID, ids)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&add, "add", false, "add to the current labels")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove from the current labels")
	return cmd
}

func newRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "rm ID...",
		Aliases: []string{"delete"},
		GroupID: "tasks",
		Short:   "Delete tasks",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				for _, ref := range args {
					task, err := resolveTask(a.store, ref)
					if err != nil {
						return err
					}
					if err := a.store.Tasks.DeleteTask(ctx, task.ID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newClearCompletedCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "clear-completed",
		GroupID: "tasks",
		Short:   "Delete every completed task",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.store.Tasks.ClearCompleted(ctx)
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintln(a.out, ui.RenderMuted("No completed tasks"))
				}
				return nil
			})
		},
	}
}
