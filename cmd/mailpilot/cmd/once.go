package cmd

import (
	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Process new inbox messages a single time",
	Long: `Run one poll-decide-act cycle: list unseen messages matching the
configured query, decide an action for each, apply it, and record the
outcome. Messages already recorded are skipped.

Exits 3 when authorization is required and 4 when stored state is
unreadable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, led, err := newRunner()
		if err != nil {
			return err
		}
		defer led.Close()

		summary, err := runner.RunCycle(cmd.Context())
		if err != nil {
			return err
		}

		printCycleSummary(summary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
}
