package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/learnlog/internal/config"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var server string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default settings",
		Long:  "Write a config file with default settings. A .yaml or .yml path writes YAML, anything else TOML.",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg := config.Default(config.DataDir())
			if server != "" {
				cfg.ServerURL = server
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := c.configPath()
			if err := config.Init(path, cfg); err != nil {
				return err
			}
			_, err := fmt.Fprintln(c.out, "wrote", path)
			return err
		},
	}
	initCmd.Flags().StringVar(&server, "server", "", "backend URL")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			m := &config.Manager{Format: config.FormatFor(c.configPath())}
			return m.Write(c.out, cfg)
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}
