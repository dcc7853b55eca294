package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailpilot/mailpilot/cmd/mailpilot/cmd"
	"github.com/mailpilot/mailpilot/internal/credstore"
	"github.com/mailpilot/mailpilot/internal/gmail"
	"github.com/mailpilot/mailpilot/internal/ledger"
)

const (
	exitCodeError        = 1
	exitCodeAuthRequired = 3 // credential absent, revoked, or consent declined
	exitCodeCorruptStore = 4 // credential file or ledger unreadable
	exitCodeInterrupted  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		if isSignalCanceled(err, ctx) {
			return exitCodeInterrupted
		}
		return exitCode(err)
	}
	return 0
}

// exitCode maps failure classes to distinct codes so callers can react
// without parsing stderr.
func exitCode(err error) int {
	var corrupt *credstore.CorruptError
	switch {
	case errors.As(err, &corrupt), errors.Is(err, ledger.ErrCorrupt):
		fmt.Fprintln(os.Stderr, "stored state is unreadable; move the file aside and re-run")
		return exitCodeCorruptStore
	case gmail.IsAuthError(err), errors.Is(err, credstore.ErrAbsent):
		fmt.Fprintln(os.Stderr, "authorization required; run 'mailpilot authorize'")
		return exitCodeAuthRequired
	default:
		return exitCodeError
	}
}

func isSignalCanceled(err error, ctx context.Context) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled
}
