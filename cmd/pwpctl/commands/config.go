package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopersonalize/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the pwpctl configuration file.`,
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long: `Create a configuration file at ~/.pwpctl/config.yaml, or at $PWPCTL_CONFIG
when set, with a "dev" environment for a local server. An existing file is
kept unless --force is given.

Example:
  pwpctl config init
  pwpctl config init --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.InitConfig(configInitForce); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		configPath, _ := cli.GetConfigPath()
		fmt.Printf("Configuration file created at: %s\n", configPath)
		fmt.Println("\nAdd more servers with: pwpctl config set <env>.base_url <url>")

		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Default Environment: %s\n", cfg.DefaultEnv)
		if dir, err := cli.GetVisitorDir(cfg); err == nil {
			fmt.Printf("Visitor Storage: %s\n", dir)
		}
		fmt.Println("\nEnvironments:")
		for _, name := range cfg.Names() {
			envCfg := cfg.Environments[name]
			fmt.Printf("  %s:\n", name)
			fmt.Printf("    base_url: %s\n", envCfg.BaseURL)
			fmt.Printf("    api_key: %s\n", envCfg.MaskedKey())
		}

		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <env.key> <value>",
	Short: "Set a configuration value",
	Long: `Set a specific configuration value.

Examples:
  pwpctl config set dev.base_url http://localhost:8080
  pwpctl config set prod.api_key pwp_...`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		envName, key, ok := strings.Cut(args[0], ".")
		if !ok {
			return fmt.Errorf("invalid key format, expected 'env.key' (e.g., 'dev.base_url')")
		}

		if err := cfg.Set(envName, key, args[1]); err != nil {
			return err
		}

		if err := cli.SaveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Successfully set %s.%s\n", envName, key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSetCmd)

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
}
