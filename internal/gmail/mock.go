package gmail

import (
	"context"
	"fmt"
	"sync"
)

// MockAPI is an in-memory API implementation for tests, with call
// tracking and error injection.
type MockAPI struct {
	mu sync.Mutex

	// Messages indexed by id.
	Messages map[string]*Message

	// MessagePages overrides listing: each element is one page of ids.
	// When empty, ListMessages models the unread-inbox query and
	// returns the Messages still carrying INBOX and UNREAD, one page.
	MessagePages [][]string

	// Error injection.
	ListError   error
	GetError    map[string]error // per-message
	ApplyError  map[string]error // per-message
	FailRepeats bool             // reject a second mutation for the same id

	// Call tracking.
	ListCalls     int
	LastQuery     string
	GetCalls      []string
	ApplyCalls    []AppliedAction
	SendsByID     map[string]int // messages sent per original message id
	MutationsByID map[string]int
}

// AppliedAction records one ApplyAction invocation.
type AppliedAction struct {
	MessageID string
	Action    Action
}

// NewMockAPI returns an empty mock.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:      make(map[string]*Message),
		GetError:      make(map[string]error),
		ApplyError:    make(map[string]error),
		SendsByID:     make(map[string]int),
		MutationsByID: make(map[string]int),
	}
}

// AddMessage registers a message under its id.
func (m *MockAPI) AddMessage(msg *Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages[msg.ID] = msg
}

// ListMessages pages through MessagePages, or returns everything when
// no pages were configured.
func (m *MockAPI) ListMessages(ctx context.Context, query, pageToken string) (*MessageList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	m.LastQuery = query

	if m.ListError != nil {
		return nil, m.ListError
	}

	if len(m.MessagePages) == 0 {
		list := &MessageList{}
		for id, msg := range m.Messages {
			if !msg.HasLabel("INBOX") || !msg.HasLabel("UNREAD") {
				continue
			}
			list.Messages = append(list.Messages, MessageRef{ID: id, ThreadID: msg.ThreadID})
		}
		list.ResultSizeEstimate = int64(len(list.Messages))
		return list, nil
	}

	page := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "page_%d", &page); err != nil {
			return nil, fmt.Errorf("invalid page token %q", pageToken)
		}
	}
	if page >= len(m.MessagePages) {
		return &MessageList{}, nil
	}

	list := &MessageList{}
	for _, id := range m.MessagePages[page] {
		var threadID string
		if msg, ok := m.Messages[id]; ok {
			threadID = msg.ThreadID
		}
		list.Messages = append(list.Messages, MessageRef{ID: id, ThreadID: threadID})
	}
	if page+1 < len(m.MessagePages) {
		list.NextPageToken = fmt.Sprintf("page_%d", page+1)
	}
	return list, nil
}

// GetMessage returns the registered message or a NotFoundError.
func (m *MockAPI) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls = append(m.GetCalls, id)

	if err, ok := m.GetError[id]; ok && err != nil {
		return nil, err
	}
	msg, ok := m.Messages[id]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + id}
	}
	return msg, nil
}

// ApplyAction records the call, counts externally visible side effects
// per message id, and mirrors the real client's label changes on the
// stored message (sends clear UNREAD, archive clears INBOX, add_label
// adds). With FailRepeats set, a second visible mutation for the same
// id fails the way a duplicate send would be caught in production
// traffic.
func (m *MockAPI) ApplyAction(ctx context.Context, msg *Message, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCalls = append(m.ApplyCalls, AppliedAction{MessageID: msg.ID, Action: action})

	if err, ok := m.ApplyError[msg.ID]; ok && err != nil {
		return err
	}
	if err := action.Validate(); err != nil {
		return err
	}

	switch action.Kind {
	case ActionNoOp:
		return nil
	case ActionReply, ActionForward:
		m.SendsByID[msg.ID]++
		if m.FailRepeats && m.SendsByID[msg.ID] > 1 {
			return fmt.Errorf("duplicate send for message %s", msg.ID)
		}
		m.removeLabel(msg.ID, "UNREAD")
	default:
		m.MutationsByID[msg.ID]++
		if m.FailRepeats && m.MutationsByID[msg.ID] > 1 {
			return fmt.Errorf("duplicate mutation for message %s", msg.ID)
		}
		switch action.Kind {
		case ActionArchive:
			m.removeLabel(msg.ID, "INBOX")
		case ActionAddLabel:
			m.addLabel(msg.ID, action.Label)
		}
	}
	return nil
}

func (m *MockAPI) removeLabel(id, label string) {
	msg, ok := m.Messages[id]
	if !ok {
		return
	}
	labels := msg.Labels[:0]
	for _, l := range msg.Labels {
		if l != label {
			labels = append(labels, l)
		}
	}
	msg.Labels = labels
}

func (m *MockAPI) addLabel(id, label string) {
	msg, ok := m.Messages[id]
	if !ok || msg.HasLabel(label) {
		return
	}
	msg.Labels = append(msg.Labels, label)
}

// VisibleEffects returns the total externally visible side effects
// recorded for a message id.
func (m *MockAPI) VisibleEffects(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SendsByID[id] + m.MutationsByID[id]
}

// Reset clears state and call tracking.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = make(map[string]*Message)
	m.MessagePages = nil
	m.GetError = make(map[string]error)
	m.ApplyError = make(map[string]error)
	m.ListError = nil
	m.ListCalls = 0
	m.LastQuery = ""
	m.GetCalls = nil
	m.ApplyCalls = nil
	m.SendsByID = make(map[string]int)
	m.MutationsByID = make(map[string]int)
}

// Ensure MockAPI implements the API interface.
var _ API = (*MockAPI)(nil)
