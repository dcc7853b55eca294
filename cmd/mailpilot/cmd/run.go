package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailpilot/mailpilot/internal/credstore"
	"github.com/mailpilot/mailpilot/internal/gmail"
	"github.com/mailpilot/mailpilot/internal/ledger"
	"github.com/mailpilot/mailpilot/internal/scheduler"
)

var runNow bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the inbox continuously on a schedule",
	Long: `Run poll-decide-act cycles on the configured schedule until
interrupted. Overlapping cycles are suppressed: if a cycle is still
running when the next tick fires, the tick is skipped.

SIGINT and SIGTERM stop the loop cleanly; a cycle in flight finishes
its current message before stopping. A revoked grant or an unreadable
store stops the loop with a distinct exit code (3 or 4).

Example schedule values for [run] schedule:
  "@every 5m"       every five minutes
  "*/15 * * * *"    quarter-hourly`,
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, led, err := newRunner()
		if err != nil {
			return err
		}
		defer led.Close()

		// Errors a later cycle cannot recover from on its own.
		fatal := make(chan error, 1)
		cycle := func(ctx context.Context) error {
			summary, err := runner.RunCycle(ctx)
			if err != nil {
				var corrupt *credstore.CorruptError
				if gmail.IsAuthError(err) || errors.Is(err, ledger.ErrCorrupt) || errors.As(err, &corrupt) {
					select {
					case fatal <- err:
					default:
					}
				}
				return err
			}
			logger.Info("cycle complete",
				"listed", summary.Listed,
				"applied", summary.Applied,
				"failed", summary.Failed,
				"duration", summary.Duration)
			return nil
		}

		sched, err := scheduler.New(cfg.Run.Schedule, cycle, logger)
		if err != nil {
			return fmt.Errorf("invalid schedule %q: %w", cfg.Run.Schedule, err)
		}

		sched.Start()
		fmt.Printf("mailpilot running (schedule %q). Press Ctrl+C to stop.\n", cfg.Run.Schedule)

		if runNow {
			if err := sched.TriggerNow(); err != nil {
				return err
			}
		}

		// A signal stop is a clean exit; a fatal cycle error is not.
		var runErr error
		select {
		case <-cmd.Context().Done():
			fmt.Println("\nStopping...")
		case err := <-fatal:
			runErr = err
		}

		drained := sched.Stop()
		<-drained.Done()
		return runErr
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNow, "now", false, "run one cycle immediately, then follow the schedule")
	rootCmd.AddCommand(runCmd)
}
