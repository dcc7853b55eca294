package gmail

import "context"

// API is the narrow mail surface the orchestrator drives. The concrete
// Client implements it; tests use MockAPI.
type API interface {
	// ListMessages returns one page of message references matching the
	// query. An empty NextPageToken means the listing is exhausted.
	ListMessages(ctx context.Context, query, pageToken string) (*MessageList, error)

	// GetMessage fetches a single message. Errors match ErrNotFound when
	// the id no longer exists.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ApplyAction performs the at-most-one remote call an action maps to.
	ApplyAction(ctx context.Context, msg *Message, action Action) error
}
