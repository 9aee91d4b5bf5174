// Package mock provides a configurable test double for the store interfaces.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	st := &mock.Store{}
//	st.AppendTranscriptEventErr = errors.New("disk full")
//
//	// inject st into the system under test …
//
//	if got := st.CallCount("AppendTranscriptEvent"); got != 1 {
//	    t.Errorf("expected 1 append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [store.Store]. All exported *Err
// fields default to nil (success); all exported *Result fields default to
// their zero value.
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// AppendTranscriptEventErr is returned by AppendTranscriptEvent when
	// non-nil; on success the event's own sequence number is echoed back.
	AppendTranscriptEventErr error

	// AppendSpeakerUpdateErr is returned by AppendSpeakerUpdate when non-nil.
	AppendSpeakerUpdateErr error

	// LoadSessionTailResult is returned by LoadSessionTail. Nil slices are
	// normalised to empty ones, matching the real implementations.
	LoadSessionTailResult store.Tail

	// LoadSessionTailErr is returned by LoadSessionTail when non-nil.
	LoadSessionTailErr error

	// ListUtterancesResult is returned by ListUtterances.
	// When nil, ListUtterances returns an empty non-nil slice.
	ListUtterancesResult []types.Utterance

	// ListUtterancesErr is returned by ListUtterances when non-nil.
	ListUtterancesErr error

	// EnsureConversationResult is returned by EnsureConversation. When its
	// ConversationID is empty the requested ID is echoed back.
	EnsureConversationResult types.Conversation

	// EnsureConversationErr is returned by EnsureConversation when non-nil.
	EnsureConversationErr error

	// GetConversationResult is returned by GetConversation.
	GetConversationResult *types.Conversation

	// GetConversationErr is returned by GetConversation when non-nil.
	GetConversationErr error

	// DeleteConversationErr is returned by DeleteConversation when non-nil.
	DeleteConversationErr error

	// UpsertNodeErr is returned by UpsertNode when non-nil.
	UpsertNodeErr error

	// ListNodesResult is returned by ListNodes.
	// When nil, ListNodes returns an empty non-nil slice.
	ListNodesResult []types.Node

	// ListNodesErr is returned by ListNodes when non-nil.
	ListNodesErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// AppendTranscriptEvent implements [store.EventStore].
func (m *Store) AppendTranscriptEvent(_ context.Context, e types.TranscriptEvent) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendTranscriptEvent", Args: []any{e}})
	if m.AppendTranscriptEventErr != nil {
		return 0, m.AppendTranscriptEventErr
	}
	return e.SequenceNumber, nil
}

// AppendSpeakerUpdate implements [store.EventStore].
func (m *Store) AppendSpeakerUpdate(_ context.Context, u types.SpeakerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AppendSpeakerUpdate", Args: []any{u}})
	return m.AppendSpeakerUpdateErr
}

// LoadSessionTail implements [store.EventStore].
func (m *Store) LoadSessionTail(_ context.Context, sessionID string, sinceSeq uint64) (store.Tail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "LoadSessionTail", Args: []any{sessionID, sinceSeq}})

	tail := m.LoadSessionTailResult
	if tail.Events == nil {
		tail.Events = []types.TranscriptEvent{}
	}
	if tail.Updates == nil {
		tail.Updates = []types.SpeakerUpdate{}
	}
	return tail, m.LoadSessionTailErr
}

// ListUtterances implements [store.EventStore].
func (m *Store) ListUtterances(_ context.Context, conversationID string) ([]types.Utterance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListUtterances", Args: []any{conversationID}})
	if m.ListUtterancesResult == nil {
		return []types.Utterance{}, m.ListUtterancesErr
	}
	out := make([]types.Utterance, len(m.ListUtterancesResult))
	copy(out, m.ListUtterancesResult)
	return out, m.ListUtterancesErr
}

// EnsureConversation implements [store.GraphStore].
func (m *Store) EnsureConversation(_ context.Context, conversationID, sourceType string, participants []string) (types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "EnsureConversation", Args: []any{conversationID, sourceType, participants}})

	c := m.EnsureConversationResult
	if c.ConversationID == "" {
		c.ConversationID = conversationID
	}
	return c, m.EnsureConversationErr
}

// GetConversation implements [store.GraphStore].
func (m *Store) GetConversation(_ context.Context, conversationID string) (*types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetConversation", Args: []any{conversationID}})
	return m.GetConversationResult, m.GetConversationErr
}

// DeleteConversation implements [store.GraphStore].
func (m *Store) DeleteConversation(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteConversation", Args: []any{conversationID}})
	return m.DeleteConversationErr
}

// UpsertNode implements [store.GraphStore].
func (m *Store) UpsertNode(_ context.Context, n types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertNode", Args: []any{n}})
	return m.UpsertNodeErr
}

// ListNodes implements [store.GraphStore].
func (m *Store) ListNodes(_ context.Context, conversationID string) ([]types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListNodes", Args: []any{conversationID}})
	if m.ListNodesResult == nil {
		return []types.Node{}, m.ListNodesErr
	}
	out := make([]types.Node, len(m.ListNodesResult))
	copy(out, m.ListNodesResult)
	return out, m.ListNodesErr
}

// Close implements [store.Store]. It is recorded like any other call.
func (m *Store) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
}

// Ensure Store satisfies the interface at compile time.
var _ store.Store = (*Store)(nil)
