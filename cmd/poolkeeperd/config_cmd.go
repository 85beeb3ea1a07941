package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ironchef/poolkeeper/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	cmd.AddCommand(newConfigGenerateCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigTemplateCmd())
	return cmd
}

func newConfigGenerateCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a configuration file with the defaults of a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if envName != "" {
				env, err := config.ParseEnvironment(envName)
				if err != nil {
					return err
				}
				config.ApplyProfile(cfg, env)
			}

			if outputPath == "" {
				outputPath = "poolkeeper.yaml"
			}
			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated configuration: %s\n", outputPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := loadConfig()
			if err != nil {
				return err
			}
			cfg := manager.Config()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Environment: %s\n", manager.Environment())
			fmt.Fprintf(out, "Database: %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "Pool: %d-%d connections, acquire timeout %s\n",
				cfg.Pool.MinConnections, cfg.Pool.MaxConnections, cfg.Pool.AcquireTimeout)
			fmt.Fprintf(out, "Monitoring: %t (every %s)\n", cfg.Monitoring.Enabled, cfg.Monitoring.CollectionInterval)
			fmt.Fprintf(out, "Admin server: %t\n", cfg.Admin.Enabled)
			return nil
		},
	}
}

func newConfigTemplateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "template <environment>",
		Short:     "Print an environment variable template for a profile",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"development", "testing", "staging", "production"},
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.ParseEnvironment(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), config.EnvironmentTemplate(env))
			return nil
		},
	}
}
