package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopersonalize/internal/cli"
	"github.com/TimurManjosov/gopersonalize/internal/visitor"
)

var (
	resolveURL       string
	resolveUserAgent string
	resolveReferrer  string
	resolveFresh     bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <block-id>...",
	Short: "Resolve blocks as a simulated visitor",
	Long: `Ask the server which blocks render for a simulated visitor. The visitor's
first and last visit are kept on disk between runs, so repeated calls behave
like a returning visitor; each run is a new session.

Examples:
  pwpctl resolve header-cta --url "/shop?utm_source=news" --env dev
  pwpctl resolve header-cta --user-agent "Mozilla/5.0 (iPhone...)" --fresh`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dir, err := cli.GetVisitorDir(cfg)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, "local.json")
		if resolveFresh {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to reset visitor: %w", err)
			}
		}
		local, err := visitor.OpenFileStorage(path)
		if err != nil {
			return err
		}

		vc, err := visitor.NewBuilder(local, visitor.NewMemoryStorage()).Build(visitor.Environment{
			URL:       resolveURL,
			UserAgent: resolveUserAgent,
			Referrer:  resolveReferrer,
		})
		if err != nil {
			return fmt.Errorf("failed to build visitor context: %w", err)
		}
		if verbose {
			fmt.Printf("Visitor: returning=%v days_since_last_visit=%d devices=%v\n",
				vc.IsReturningVisitor, vc.DaysSinceLastVisit, vc.DeviceType)
		}

		c, _, err := apiClient()
		if err != nil {
			return err
		}
		entries, err := c.ResolveBlocks(context.Background(), args, vc)
		if err != nil {
			return fmt.Errorf("failed to resolve blocks: %w", err)
		}
		if !quiet {
			return cli.PrintEntries(os.Stdout, args, entries, cli.OutputFormat(format))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVar(&resolveURL, "url", "/", "Page URL the visitor is on")
	resolveCmd.Flags().StringVar(&resolveUserAgent, "user-agent", "Mozilla/5.0 (X11; Linux x86_64)", "Visitor user agent")
	resolveCmd.Flags().StringVar(&resolveReferrer, "referrer", "", "Referring URL")
	resolveCmd.Flags().BoolVar(&resolveFresh, "fresh", false, "Forget the simulated visitor's history first")
}
