// Package policy defines the decision contract applied to each fetched
// message. Implementations inspect one message and return exactly one
// action; they never talk to the mailbox themselves.
package policy

import (
	"context"

	"github.com/mailpilot/mailpilot/internal/gmail"
)

// Policy decides the handling for a single message. Decide must be a
// pure function of the message and its own configuration: no mailbox
// side effects, one action per call. Errors and invalid actions are
// classified as policy failures by the caller.
type Policy interface {
	Decide(ctx context.Context, msg *gmail.Message) (gmail.Action, error)
}

// Func adapts a plain function to the Policy interface.
type Func func(ctx context.Context, msg *gmail.Message) (gmail.Action, error)

func (f Func) Decide(ctx context.Context, msg *gmail.Message) (gmail.Action, error) {
	return f(ctx, msg)
}
