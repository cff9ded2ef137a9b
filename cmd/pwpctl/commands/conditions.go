package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopersonalize/internal/cli"
)

var conditionsCmd = &cobra.Command{
	Use:   "conditions",
	Short: "List the condition types rules can use",
	Long: `List every registered condition type grouped by category, with its
comparators and whether the server can evaluate it.

Example:
  pwpctl conditions --env dev`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := apiClient()
		if err != nil {
			return err
		}

		groups, err := c.ListConditions(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list conditions: %w", err)
		}
		if !quiet {
			return cli.PrintConditions(os.Stdout, groups, cli.OutputFormat(format))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conditionsCmd)
}
