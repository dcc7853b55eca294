package gmail

import (
	"context"
	"fmt"
)

// ApplyAction executes an action against the mailbox: Reply and
// Forward become sends, Archive and AddLabel become label mutations,
// NoOp touches nothing. A send also clears UNREAD on the source
// message in the same apply, so a crash before the outcome is recorded
// cannot send again: the retried unread listing no longer returns the
// message.
func (c *Client) ApplyAction(ctx context.Context, msg *Message, action Action) error {
	if err := action.Validate(); err != nil {
		return fmt.Errorf("invalid action for %s: %w", msg.ID, err)
	}

	switch action.Kind {
	case ActionNoOp:
		return nil

	case ActionReply:
		raw, err := composeReply(msg, action.Body)
		if err != nil {
			return fmt.Errorf("compose reply for %s: %w", msg.ID, err)
		}
		if err := c.sendRaw(ctx, raw, msg.ThreadID); err != nil {
			return err
		}
		return c.markHandled(ctx, msg.ID)

	case ActionForward:
		raw, err := composeForward(msg, action.Address)
		if err != nil {
			return fmt.Errorf("compose forward for %s: %w", msg.ID, err)
		}
		if err := c.sendRaw(ctx, raw, ""); err != nil {
			return err
		}
		return c.markHandled(ctx, msg.ID)

	case ActionArchive:
		return c.modifyLabels(ctx, msg.ID, nil, []string{"INBOX"})

	case ActionAddLabel:
		labelID, err := c.ensureLabel(ctx, action.Label)
		if err != nil {
			return err
		}
		return c.modifyLabels(ctx, msg.ID, []string{labelID}, nil)
	}

	return fmt.Errorf("unknown action kind %q", action.Kind)
}

// markHandled removes UNREAD from a message that was answered by a
// send. Idempotent on the remote side.
func (c *Client) markHandled(ctx context.Context, id string) error {
	return c.modifyLabels(ctx, id, nil, []string{"UNREAD"})
}
