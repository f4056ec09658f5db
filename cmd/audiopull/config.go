package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gwlsn/audiopull/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Long: `Write the default settings as YAML. The path defaults to --config,
then $CONFIG_PATH, then ./config/audiopull.yaml.

Examples:
  audiopull config init
  audiopull config init /etc/audiopull/audiopull.yaml --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath()
	if len(args) == 1 {
		path = args[0]
	}
	if err := writeDefaultConfig(path, configForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default config to %s\n", path)
	return nil
}

// writeDefaultConfig saves DefaultConfig to path, refusing to replace an
// existing file unless force is set.
func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
