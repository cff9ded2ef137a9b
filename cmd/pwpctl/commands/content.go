package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopersonalize/internal/content"
)

var (
	contentKind  string
	contentTitle string
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Manage personalized content",
}

var contentSaveCmd = &cobra.Command{
	Use:   "save <ref> <file>",
	Short: "Store a content document",
	Long: `Store the block markup in <file> as the content document <ref>. The
server assigns missing block ids and records which rules each block uses.

Examples:
  pwpctl content save 42 page.html --env dev
  pwpctl content save "mytheme//header" header.html --kind wp_template_part`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		c, _, err := apiClient()
		if err != nil {
			return err
		}

		res, err := c.SaveContent(context.Background(), content.Document{
			Ref:   args[0],
			Kind:  contentKind,
			Title: contentTitle,
			Body:  string(body),
		})
		if err != nil {
			return fmt.Errorf("failed to save content: %w", err)
		}

		if res.Rewritten {
			if err := os.WriteFile(args[1], []byte(res.Body), 0o644); err != nil {
				return fmt.Errorf("failed to write assigned block ids back: %w", err)
			}
		}
		if !quiet {
			fmt.Printf("Saved '%s': %d personalized block(s), %d rule reference(s)\n", res.Ref, res.Mappings, res.Usage)
			if res.Rewritten {
				fmt.Printf("Block ids were assigned and written back to %s\n", args[1])
			}
		}
		return nil
	},
}

var contentDeleteCmd = &cobra.Command{
	Use:   "delete <ref>",
	Short: "Delete a content document and its block mappings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := apiClient()
		if err != nil {
			return err
		}
		if err := c.DeleteContent(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to delete content: %w", err)
		}
		if !quiet {
			fmt.Printf("Successfully deleted '%s'\n", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(contentCmd)
	contentCmd.AddCommand(contentSaveCmd, contentDeleteCmd)

	contentSaveCmd.Flags().StringVar(&contentKind, "kind", "page", "Content kind (page, post, wp_template, wp_template_part, wp_block)")
	contentSaveCmd.Flags().StringVar(&contentTitle, "title", "", "Document title")
}
