package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailgate/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE:  checkConfig,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "mailgate.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	})

	return configCmd
}

// checkConfig loads the file, compiles every rule and quota, and prints
// warnings. It fails on the first invalid configuration.
func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	result := cfg.Validate()
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s: %s\n", w.Field, w.Message)
	}

	defs, err := cfg.QuotaDefinitions()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Configuration OK (%d quotas, store %s)\n", len(defs), cfg.Store.Type)
	return nil
}
