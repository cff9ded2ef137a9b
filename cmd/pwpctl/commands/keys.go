package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/gopersonalize/internal/auth"
	"github.com/TimurManjosov/gopersonalize/internal/webhook"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Admin API key and webhook secret utilities",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an admin API key and its bcrypt hash",
	Long: `Generate a random admin API key. Give the key to clients and set the hash
as ADMIN_API_KEY_HASH on the server.

Example:
  pwpctl keys generate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashAPIKey(key)
		if err != nil {
			return err
		}
		fmt.Printf("API key:            %s\n", key)
		fmt.Printf("ADMIN_API_KEY_HASH: %s\n", hash)
		fmt.Println("\nThe key is shown only once.")
		return nil
	},
}

var keysWebhookSecretCmd = &cobra.Command{
	Use:   "webhook-secret",
	Short: "Generate a webhook signing secret",
	Long: `Generate a secret for WEBHOOK_SECRET. Receivers verify the
X-PWP-Signature header with the same value.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := webhook.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysWebhookSecretCmd)
}
