package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/and161185/learnlog/internal/app"
	"github.com/and161185/learnlog/internal/errs"
)

func (c *cli) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and replay changes that were waiting for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				tokens, err := a.Login(ctx, username, password)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.out, "logged in as %s (token expires %s)\n", username, tokens.ExpiresAt.Local().Format("2006-01-02 15:04"))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session; cached data and queued changes are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				if err := a.Logout(ctx); err != nil {
					fmt.Fprintln(c.errOut, "warning: server logout failed:", err)
				}
				_, err := fmt.Fprintln(c.out, "logged out")
				return err
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, session and queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, false, func(_ context.Context, a *app.App) error {
				return c.printJSON(a.Status())
			})
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes",
		Long: "Replay queued changes now. With --watch, stay running and replay whenever\n" +
			"the backend becomes reachable again, until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, watch, func(ctx context.Context, a *app.App) error {
				report, err := a.Sync(ctx)
				if !watch {
					if err != nil {
						return err
					}
					return c.printJSON(report)
				}
				if err != nil && !errors.Is(err, errs.ErrOffline) {
					return err
				}
				unsubscribe := a.Monitor.Subscribe(func(online bool) {
					state := "offline"
					if online {
						state = "online"
					}
					fmt.Fprintln(c.errOut, "backend", state)
				})
				defer unsubscribe()
				fmt.Fprintf(c.errOut, "watching, %d change(s) queued\n", report.Remaining)
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and replay on reconnect")
	return cmd
}

func (c *cli) discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a queued or failed change without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.FromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid mutation id %q", args[0])
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				if err := a.Discard(ctx, id); err != nil {
					return err
				}
				_, err := fmt.Fprintln(c.out, "discarded", id)
				return err
			})
		},
	}
}
