package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopersonalize/internal/cli"
	"github.com/TimurManjosov/gopersonalize/internal/client"
)

var (
	// Global flags
	baseURL string
	apiKey  string
	env     string
	format  string
	quiet   bool
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pwpctl",
	Short: "CLI tool for managing personalization rules and content",
	Long: `pwpctl manages the rules, condition types and personalized content of a
gopersonalize server, and can resolve blocks as a simulated visitor.

Examples:
  pwpctl rules list --env prod
  pwpctl rules import rules.yaml --env staging
  pwpctl content save 42 page.html --env dev
  pwpctl resolve header-cta footer-offer --url "/shop?utm_source=news" --env dev`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the personalization API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Admin API key")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "Environment (dev, staging, prod)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
}

// apiClient resolves the environment configuration and builds a client for it.
func apiClient() (*client.Client, string, error) {
	envCfg, effectiveEnv, err := cli.GetEnvConfig(env, baseURL, apiKey)
	if err != nil {
		return nil, "", fmt.Errorf("configuration error: %w", err)
	}
	if verbose {
		fmt.Printf("Using environment '%s' at %s\n", effectiveEnv, envCfg.BaseURL)
	}
	return client.NewClient(envCfg.BaseURL, envCfg.APIKey), effectiveEnv, nil
}
