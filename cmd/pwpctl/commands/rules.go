package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gopersonalize/internal/cli"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

var (
	deleteForce bool
	importForce bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage personalization rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules",
	Long: `List all rules with their conditions.

Examples:
  pwpctl rules list --env prod
  pwpctl rules list --env prod --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := apiClient()
		if err != nil {
			return err
		}

		list, err := c.ListRules(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list rules: %w", err)
		}

		if !quiet {
			if len(list) == 0 {
				fmt.Println("No rules found")
				return nil
			}
			return cli.PrintRules(os.Stdout, list, cli.OutputFormat(format))
		}
		return nil
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := ruleID(args[0])
		if err != nil {
			return err
		}
		c, _, err := apiClient()
		if err != nil {
			return err
		}

		r, err := c.GetRule(context.Background(), id)
		if err != nil {
			return fmt.Errorf("failed to get rule: %w", err)
		}
		if !quiet {
			return cli.PrintRule(os.Stdout, r, cli.OutputFormat(format))
		}
		return nil
	},
}

var rulesCloneCmd = &cobra.Command{
	Use:   "clone <id>",
	Short: "Copy a rule under a new name",
	Long: `Store a custom copy of a rule, named "<name> copy".

Example:
  pwpctl rules clone 3 --env dev`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := ruleID(args[0])
		if err != nil {
			return err
		}
		c, _, err := apiClient()
		if err != nil {
			return err
		}

		clone, err := c.CloneRule(context.Background(), id)
		if err != nil {
			return fmt.Errorf("failed to clone rule: %w", err)
		}
		if !quiet {
			return cli.PrintRule(os.Stdout, clone, cli.OutputFormat(format))
		}
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a rule",
	Long: `Delete a rule. The server refuses rules still referenced by content.

Examples:
  pwpctl rules delete 7 --env prod
  pwpctl rules delete 7 --env prod --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := ruleID(args[0])
		if err != nil {
			return err
		}
		c, effectiveEnv, err := apiClient()
		if err != nil {
			return err
		}

		// Confirm deletion unless --force
		if !deleteForce && !quiet {
			fmt.Printf("Are you sure you want to delete rule %d from environment '%s'? (y/N): ", id, effectiveEnv)
			reader := bufio.NewReader(os.Stdin)
			response, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				fmt.Println("Deletion cancelled")
				return nil
			}
		}

		if err := c.DeleteRule(context.Background(), id); err != nil {
			return fmt.Errorf("failed to delete rule: %w", err)
		}
		if !quiet {
			fmt.Printf("Successfully deleted rule %d from environment '%s'\n", id, effectiveEnv)
		}
		return nil
	},
}

// RuleFile is the YAML layout read by "rules import".
type RuleFile struct {
	Rules []RuleEntry `yaml:"rules"`
}

// RuleEntry is one rule of a RuleFile. Values of the "any" comparator are
// YAML sequences, everything else a scalar.
type RuleEntry struct {
	Name       string `yaml:"name"`
	CategoryID int64  `yaml:"category_id"`
	Operator   string `yaml:"operator"`
	Conditions []struct {
		Measure    string            `yaml:"measure"`
		Comparator string            `yaml:"comparator"`
		Value      yaml.Node         `yaml:"value"`
		Meta       map[string]string `yaml:"meta"`
	} `yaml:"conditions"`
}

// Rule converts the entry into a custom rule.
func (e RuleEntry) Rule() (rules.Rule, error) {
	r := rules.Rule{
		Name:       e.Name,
		CategoryID: e.CategoryID,
		Type:       rules.TypeCustom,
		Operator:   rules.NormalizeOperator(e.Operator),
	}
	for i, c := range e.Conditions {
		cond := rules.Condition{Measure: c.Measure, Comparator: c.Comparator, Meta: c.Meta}
		switch c.Value.Kind {
		case yaml.SequenceNode:
			var items []string
			if err := c.Value.Decode(&items); err != nil {
				return rules.Rule{}, fmt.Errorf("rule %q condition %d: %w", e.Name, i, err)
			}
			cond.Value = rules.ListValue(items...)
		case yaml.ScalarNode:
			cond.Value = rules.ScalarValue(c.Value.Value)
		case 0:
			cond.Value = rules.ScalarValue("")
		default:
			return rules.Rule{}, fmt.Errorf("rule %q condition %d: value must be a scalar or a list", e.Name, i)
		}
		r.Conditions = append(r.Conditions, cond)
	}
	return r, nil
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create rules from a YAML file",
	Long: `Create custom rules from a YAML file of the form:

  rules:
    - name: Weekend shoppers
      operator: ALL
      conditions:
        - measure: core_visiting_day
          comparator: any
          value: [saturday, sunday]

Examples:
  pwpctl rules import rules.yaml --env staging
  pwpctl rules import rules.yaml --env prod --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		var file RuleFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("failed to parse file: %w", err)
		}
		if len(file.Rules) == 0 {
			return fmt.Errorf("no rules found in file")
		}

		c, _, err := apiClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		successCount, errorCount := 0, 0
		for _, entry := range file.Rules {
			r, err := entry.Rule()
			if err == nil {
				_, err = c.CreateRule(ctx, r)
			}
			if err != nil {
				errorCount++
				fmt.Fprintf(os.Stderr, "Failed to import rule '%s': %v\n", entry.Name, err)
				if !importForce {
					return fmt.Errorf("import failed, use --force to continue on errors")
				}
				continue
			}
			successCount++
			if verbose {
				fmt.Printf("Imported rule: %s\n", entry.Name)
			}
		}

		if !quiet {
			fmt.Printf("Import complete: %d succeeded, %d failed\n", successCount, errorCount)
		}
		if errorCount > 0 {
			return fmt.Errorf("import completed with errors")
		}
		return nil
	},
}

func ruleID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule id '%s'", arg)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesGetCmd, rulesCloneCmd, rulesDeleteCmd, rulesImportCmd)

	rulesDeleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Skip confirmation prompt")
	rulesImportCmd.Flags().BoolVar(&importForce, "force", false, "Continue on errors")
}
