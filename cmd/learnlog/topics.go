package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/learnlog/internal/app"
)

func (c *cli) topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "topics",
		Aliases: []string{"t"},
		Short:   "Browse and edit the topic tree",
	}

	var lsParent int64
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List root topics or the children of --parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var parent *int64
			if lsParent > 0 {
				parent = &lsParent
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				topics, err := a.SubTopics(ctx, parent)
				if err != nil {
					return err
				}
				return c.printJSON(topics)
			})
		},
	}
	ls.Flags().Int64Var(&lsParent, "parent", 0, "parent topic id")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a topic with its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				topic, err := a.Topic(ctx, id)
				if err != nil {
					return err
				}
				return c.printJSON(topic)
			})
		},
	}

	search := &cobra.Command{
		Use:   "search <term>",
		Short: "Find topics by name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				topics, err := a.SearchTopics(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return c.printJSON(topics)
			})
		},
	}

	var addParent int64
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a topic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parent *int64
			if addParent > 0 {
				parent = &addParent
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res, err := a.CreateTopic(ctx, strings.Join(args, " "), parent)
				if err != nil {
					return err
				}
				return printResult(c, res)
			})
		},
	}
	add.Flags().Int64Var(&addParent, "parent", 0, "parent topic id")

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a topic",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res, err := a.RenameTopic(ctx, id, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printResult(c, res)
			})
		},
	}

	mv := &cobra.Command{
		Use:   "mv <id> <parent-id>",
		Short: "Move a topic under another one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			parent, err := parseID(args[1])
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res, err := a.MoveTopic(ctx, id, parent)
				if err != nil {
					return err
				}
				return printResult(c, res)
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a topic with its subtopics and entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res, err := a.DeleteTopic(ctx, id)
				if err != nil {
					return err
				}
				return printDeleted(c, res)
			})
		},
	}

	cmd.AddCommand(ls, show, search, add, rename, mv, rm)
	return cmd
}
