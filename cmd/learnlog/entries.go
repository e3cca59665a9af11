package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/learnlog/internal/app"
)

func (c *cli) entriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "entries",
		Aliases: []string{"e"},
		Short:   "Search and record entries",
	}

	search := &cobra.Command{
		Use:   "search <term>",
		Short: "Find entries by description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				entries, err := a.SearchEntries(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return c.printJSON(entries)
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				entry, err := a.Entry(ctx, id)
				if err != nil {
					return err
				}
				return c.printJSON(entry)
			})
		},
	}

	var addTopic int64
	add := &cobra.Command{
		Use:   "add --topic <id> <text>",
		Short: "Record an entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res, err := a.CreateEntry(ctx, addTopic, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return printResult(c, res)
			})
		},
	}
	add.Flags().Int64Var(&addTopic, "topic", 0, "topic id")

	var editTopic int64
	edit := &cobra.Command{
		Use:   "edit <id> [text]",
		Short: "Change an entry's text or move it with --topic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var description *string
			if len(args) > 1 {
				text := strings.Join(args[1:], " ")
				description = &text
			}
			var topic *int64
			if cmd.Flags().Changed("topic") {
				topic = &editTopic
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res, err := a.UpdateEntry(ctx, id, description, topic)
				if err != nil {
					return err
				}
				return printResult(c, res)
			})
		},
	}
	edit.Flags().Int64Var(&editTopic, "topic", 0, "new topic id")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res, err := a.DeleteEntry(ctx, id)
				if err != nil {
					return err
				}
				return printDeleted(c, res)
			})
		},
	}

	cmd.AddCommand(search, show, add, edit, rm)
	return cmd
}
