package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/credstore"
	"github.com/mailpilot/mailpilot/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential state and processing totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := credstore.New(cfg.CredentialPath())
		fmt.Printf("Credential: %s\n", store.Path())
		printCredentialState(store)

		led, err := ledger.Open(cfg.LedgerPath())
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer led.Close()

		stats, err := led.Stats()
		if err != nil {
			return fmt.Errorf("ledger stats: %w", err)
		}

		fmt.Printf("Ledger:     %s\n", led.Path())
		fmt.Printf("  Processed: %d\n", stats.Total)
		fmt.Printf("  Succeeded: %d\n", stats.Succeeded)
		fmt.Printf("  Failed:    %d\n", stats.Failed)
		return nil
	},
}

// printCredentialState reports the stored credential without exposing
// any token material.
func printCredentialState(store *credstore.Store) {
	cred, err := store.Load()
	var corrupt *credstore.CorruptError
	switch {
	case errors.Is(err, credstore.ErrAbsent):
		fmt.Println("  State: absent (run 'mailpilot authorize')")
	case errors.As(err, &corrupt):
		fmt.Println("  State: unreadable (move the file aside and re-run 'mailpilot authorize')")
	case err != nil:
		fmt.Printf("  State: error (%v)\n", err)
	case credstore.Valid(cred, time.Now()):
		fmt.Printf("  State: valid until %s (auto-refreshed)\n", cred.Expiry.Local().Format(time.RFC1123))
	case credstore.Refreshable(cred):
		fmt.Println("  State: expired, will refresh on next use")
	default:
		fmt.Println("  State: unusable (run 'mailpilot authorize')")
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
