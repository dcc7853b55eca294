package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/credstore"
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Run the browser consent flow and store a credential",
	Long: `Open the account owner's browser to Google's consent screen and
store the resulting credential. Run this once before 'once' or 'run',
or again after the grant has been revoked.

Any previously stored credential is replaced. The credential file
contains only tokens scoped to the granted Gmail permissions; the
account password is never seen or stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flow, err := newConsentFlow()
		if err != nil {
			return err
		}
		store := credstore.New(cfg.CredentialPath())

		fmt.Println("Opening browser for Google consent...")
		cred, err := flow.Obtain(cmd.Context())
		if err != nil {
			return fmt.Errorf("consent flow: %w", err)
		}

		if err := store.Save(cred); err != nil {
			return fmt.Errorf("store credential: %w", err)
		}

		fmt.Println("Authorization complete!")
		fmt.Printf("  Credential:  %s\n", store.Path())
		fmt.Printf("  Scopes:      %d granted\n", len(cred.Scopes))
		if !cred.Expiry.IsZero() {
			fmt.Printf("  Valid until: %s (auto-refreshed)\n", cred.Expiry.Local().Format(time.RFC1123))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(authorizeCmd)
}
