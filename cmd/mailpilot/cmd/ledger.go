package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/ledger"
)

var ledgerLimit int

var ledgerCmd = &cobra.Command{
	Use:   "ledger [message-id]",
	Short: "Show processed-message records",
	Long: `Show the most recent processed-message records, or the record for a
single message ID. Every action the agent has taken, successful or
failed, has exactly one record here.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		led, err := ledger.Open(cfg.LedgerPath())
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer led.Close()

		if len(args) == 1 {
			return showEntry(led, args[0])
		}

		entries, err := led.Recent(ledgerLimit)
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No messages processed yet.")
			return nil
		}

		fmt.Printf("%-20s %-10s %-9s %s\n", "MESSAGE ID", "ACTION", "OUTCOME", "APPLIED AT")
		for _, e := range entries {
			fmt.Printf("%-20s %-10s %-9s %s\n",
				e.MessageID, e.ActionKind, e.Outcome,
				e.AppliedAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

func showEntry(led *ledger.Ledger, messageID string) error {
	e, err := led.Get(messageID)
	if errors.Is(err, ledger.ErrNotRecorded) {
		fmt.Printf("Message %s has not been processed.\n", messageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get entry: %w", err)
	}

	fmt.Printf("  Message ID: %s\n", e.MessageID)
	fmt.Printf("  Action:     %s\n", e.ActionKind)
	if e.ActionDetail != "" {
		fmt.Printf("  Detail:     %s\n", e.ActionDetail)
	}
	fmt.Printf("  Outcome:    %s\n", e.Outcome)
	if e.FailReason != "" {
		fmt.Printf("  Reason:     %s\n", e.FailReason)
	}
	fmt.Printf("  Applied at: %s\n", e.AppliedAt.Local().Format(time.RFC1123))
	return nil
}

func init() {
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "maximum entries to show")
	rootCmd.AddCommand(ledgerCmd)
}
