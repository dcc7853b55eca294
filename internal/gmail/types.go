package gmail

import "fmt"

// Message is a fully-fetched Gmail message. Immutable once fetched;
// re-fetching the same ID may return updated labels only.
type Message struct {
	ID       string
	ThreadID string
	Labels   []string
	Headers  map[string]string // From, To, Subject, Date, Message-ID, ...
	Body     string
	Snippet  string
}

// Header returns the named header, or "" when absent.
func (m *Message) Header(name string) string {
	return m.Headers[name]
}

// HasLabel reports whether the message currently carries the given label ID.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// From returns the sender address, preferring Reply-To when set.
func (m *Message) From() string {
	if rt := m.Headers["Reply-To"]; rt != "" {
		return rt
	}
	return m.Headers["From"]
}

// MessageRef is a message reference as returned by list operations.
type MessageRef struct {
	ID       string
	ThreadID string
}

// MessageList is one finite page of list results. Callers loop until
// NextPageToken is empty.
type MessageList struct {
	Messages           []MessageRef
	NextPageToken      string
	ResultSizeEstimate int64
}

// ActionKind enumerates the closed set of actions a decision policy may
// produce.
type ActionKind string

const (
	ActionReply    ActionKind = "reply"
	ActionArchive  ActionKind = "archive"
	ActionAddLabel ActionKind = "add_label"
	ActionForward  ActionKind = "forward"
	ActionNoOp     ActionKind = "noop"
)

// Action is the intended handling for a single message. Pure data; no
// side effects until applied via a client.
type Action struct {
	Kind    ActionKind
	Body    string // reply body, when Kind == ActionReply
	Label   string // label name, when Kind == ActionAddLabel
	Address string // recipient, when Kind == ActionForward
}

// Reply returns a reply action with the given body.
func Reply(body string) Action { return Action{Kind: ActionReply, Body: body} }

// Archive returns an archive action.
func Archive() Action { return Action{Kind: ActionArchive} }

// AddLabel returns a label action for the given label name.
func AddLabel(label string) Action { return Action{Kind: ActionAddLabel, Label: label} }

// Forward returns a forward action to the given address.
func Forward(address string) Action { return Action{Kind: ActionForward, Address: address} }

// NoOp returns the do-nothing action.
func NoOp() Action { return Action{Kind: ActionNoOp} }

// Validate rejects malformed variants: unknown kinds and kinds missing
// their payload field.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionReply:
		if a.Body == "" {
			return fmt.Errorf("reply action without body")
		}
	case ActionAddLabel:
		if a.Label == "" {
			return fmt.Errorf("add_label action without label")
		}
	case ActionForward:
		if a.Address == "" {
			return fmt.Errorf("forward action to empty address")
		}
	case ActionArchive, ActionNoOp:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Detail returns the variant payload as a single string, for ledger
// persistence and logging. Empty for archive and noop.
func (a Action) Detail() string {
	switch a.Kind {
	case ActionReply:
		return a.Body
	case ActionAddLabel:
		return a.Label
	case ActionForward:
		return a.Address
	}
	return ""
}

// ActionFromRecord reconstructs an Action from its persisted kind and
// detail columns.
func ActionFromRecord(kind, detail string) Action {
	a := Action{Kind: ActionKind(kind)}
	switch a.Kind {
	case ActionReply:
		a.Body = detail
	case ActionAddLabel:
		a.Label = detail
	case ActionForward:
		a.Address = detail
	}
	return a
}

func (a Action) String() string {
	switch a.Kind {
	case ActionAddLabel:
		return fmt.Sprintf("add_label(%s)", a.Label)
	case ActionForward:
		return fmt.Sprintf("forward(%s)", a.Address)
	}
	return string(a.Kind)
}
