package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/todosync/internal/schema"
	"github.com/steveyegge/todosync/internal/ui"
)

func newLabelCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "label",
		GroupID: "labels",
		Short:   "Manage labels",
	}
	cmd.AddCommand(
		newLabelAddCmd(c),
		newLabelEditCmd(c),
		newLabelRmCmd(c),
		newLabelListCmd(c),
	)
	return cmd
}

func newLabelAddCmd(c *cli) *cobra.Command {
	var color string
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				label, err := a.store.Labels.AddLabel(ctx, args[0], color)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s  %s\n", ui.RenderLabel(label), ui.RenderMuted(ui.ShortID(label.ID)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&color, "color", "c", "", "hex color, e.g. #3B82F6 (default "+schema.DefaultLabelColor+")")
	return cmd
}

func newLabelEditCmd(c *cli) *cobra.Command {
	var name, color string
	cmd := &cobra.Command{
		Use:   "edit LABEL",
		Short: "Rename or recolor a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				label, err := resolveLabel(a.store, args[0])
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("name") {
					label.Name = name
				}
				if cmd.Flags().Changed("color") {
					label.Color = color
				}
				_, err = a.store.Labels.UpdateLabel(ctx, label.ID, label.Name, label.Color)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "new name")
	cmd.Flags().StringVarP(&color, "color", "c", "", "new hex color")
	return cmd
}

func newLabelRmCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rm LABEL",
		Short: "Delete a label and remove it from every task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				label, err := resolveLabel(a.store, args[0])
				if err != nil {
					return err
				}
				return a.store.Labels.DeleteLabel(ctx, label.ID)
			})
		},
	}
}

func newLabelListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List labels with task counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				labels := sortedLabels(a.store.Labels.Labels())
				if len(labels) == 0 {
					fmt.Fprintln(a.out, ui.RenderMuted("No labels"))
					return nil
				}
				uses := make(map[string]int, len(labels))
				for _, t := range a.store.Tasks.Tasks() {
					for _, id := range t.Labels {
						uses[id]++
					}
				}
				for _, l := range labels {
					fmt.Fprintf(a.out, "%s %s  %s\n",
						ui.RenderLabel(l), ui.RenderMuted(l.Color),
						ui.RenderMuted(fmt.Sprintf("%d tasks  %s", uses[l.ID], ui.ShortID(l.ID))))
				}
				return nil
			})
		},
	}
}
