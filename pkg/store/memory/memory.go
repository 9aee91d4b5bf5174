// Package memory provides an in-memory implementation of the Threadloom
// persistence contracts. It backs the server when no DATABASE_URL is
// configured: the live pipeline behaves identically, but nothing survives a
// restart. It is also the reference implementation for the store contract
// tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/threadloom/pkg/store"
	"github.com/MrWong99/threadloom/pkg/types"
)

// Compile-time interface checks.
var (
	_ store.EventStore = (*Store)(nil)
	_ store.GraphStore = (*Store)(nil)
	_ store.Store      = (*Store)(nil)
)

// Store is a thread-safe, in-memory implementation of [store.Store].
type Store struct {
	mu sync.RWMutex

	// events holds each session's log in sequence order; the monotonic
	// guard makes append order and sequence order identical.
	events map[string][]types.TranscriptEvent

	// maxSeq tracks the highest accepted sequence number per session.
	maxSeq map[string]uint64

	// eventSession maps event_id to its session, standing in for the
	// foreign key the SQL schema enforces.
	eventSession map[string]string

	// latestUpdate holds the highest-version revision per event; the
	// monotonic guard means the latest write is always the winner.
	latestUpdate map[string]types.SpeakerUpdate

	conversations map[string]types.Conversation

	// nodes is keyed by conversation, then node name.
	nodes map[string]map[string]types.Node
}

// NewStore returns an initialised [Store].
func NewStore() *Store {
	return &Store{
		events:        make(map[string][]types.TranscriptEvent),
		maxSeq:        make(map[string]uint64),
		eventSession:  make(map[string]string),
		latestUpdate:  make(map[string]types.SpeakerUpdate),
		conversations: make(map[string]types.Conversation),
		nodes:         make(map[string]map[string]types.Node),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// EventStore
// ─────────────────────────────────────────────────────────────────────────────

// AppendTranscriptEvent implements [store.EventStore].
func (s *Store) AppendTranscriptEvent(_ context.Context, e types.TranscriptEvent) (uint64, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.SequenceNumber <= s.maxSeq[e.SessionID] {
		return 0, fmt.Errorf("event store: append transcript event: session %q sequence %d: %w",
			e.SessionID, e.SequenceNumber, store.ErrSequenceRegression)
	}

	s.events[e.SessionID] = append(s.events[e.SessionID], e)
	s.maxSeq[e.SessionID] = e.SequenceNumber
	s.eventSession[e.EventID] = e.SessionID

	if c, ok := s.conversations[e.ConversationID]; ok {
		c.UpdatedAt = time.Now()
		s.conversations[e.ConversationID] = c
	}
	return e.SequenceNumber, nil
}

// AppendSpeakerUpdate implements [store.EventStore].
func (s *Store) AppendSpeakerUpdate(_ context.Context, u types.SpeakerUpdate) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.eventSession[u.EventID]; !ok {
		return fmt.Errorf("event store: append speaker update: event %q not found", u.EventID)
	}

	// The event row itself carries version 1.
	maxVer := 1
	if prev, ok := s.latestUpdate[u.EventID]; ok {
		maxVer = prev.DiarizationVersion
	}
	if u.DiarizationVersion <= maxVer {
		return fmt.Errorf("event store: append speaker update: event %q version %d: %w",
			u.EventID, u.DiarizationVersion, store.ErrVersionRegression)
	}

	s.latestUpdate[u.EventID] = u
	return nil
}

// LoadSessionTail implements [store.EventStore].
func (s *Store) LoadSessionTail(_ context.Context, sessionID string, sinceSeq uint64) (store.Tail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tail := store.Tail{
		Events:  []types.TranscriptEvent{},
		Updates: []types.SpeakerUpdate{},
	}
	for _, e := range s.events[sessionID] {
		if e.SequenceNumber > sinceSeq {
			tail.Events = append(tail.Events, e)
		}
	}
	for _, u := range s.latestUpdate {
		if u.SessionID == sessionID {
			tail.Updates = append(tail.Updates, u)
		}
	}
	sort.Slice(tail.Updates, func(i, j int) bool {
		return tail.Updates[i].EventID < tail.Updates[j].EventID
	})
	return tail, nil
}

// ListUtterances implements [store.EventStore].
func (s *Store) ListUtterances(_ context.Context, conversationID string) ([]types.Utterance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	utterances := []types.Utterance{}
	for _, sessionEvents := range s.events {
		for _, e := range sessionEvents {
			if e.ConversationID != conversationID || e.Kind != types.KindFinal {
				continue
			}
			speaker := e.SpeakerID
			if u, ok := s.latestUpdate[e.EventID]; ok {
				speaker = u.NewSpeakerID
			}
			utterances = append(utterances, types.Utterance{
				EventID:        e.EventID,
				ConversationID: e.ConversationID,
				SpeakerID:      speaker,
				Text:           e.Text,
				SpokenAt:       e.ReceivedAt,
			})
		}
	}
	sort.Slice(utterances, func(i, j int) bool {
		if !utterances[i].SpokenAt.Equal(utterances[j].SpokenAt) {
			return utterances[i].SpokenAt.Before(utterances[j].SpokenAt)
		}
		return utterances[i].EventID < utterances[j].EventID
	})
	return utterances, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// GraphStore
// ─────────────────────────────────────────────────────────────────────────────

// EnsureConversation implements [store.GraphStore].
func (s *Store) EnsureConversation(_ context.Context, conversationID, sourceType string, participants []string) (types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c, ok := s.conversations[conversationID]
	if !ok {
		c = types.Conversation{
			ConversationID: conversationID,
			SourceType:     sourceType,
			Participants:   []string{},
			StartedAt:      now,
		}
	}
	if c.SourceType == "" {
		c.SourceType = sourceType
	}
	c.Participants = mergeParticipants(c.Participants, participants)
	c.UpdatedAt = now
	s.conversations[conversationID] = c

	c.NodeCount = len(s.nodes[conversationID])
	c.EventCount = s.countEventsLocked(conversationID)
	return c, nil
}

// GetConversation implements [store.GraphStore]. Returns (nil, nil) when the
// conversation does not exist.
func (s *Store) GetConversation(_ context.Context, conversationID string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	c.NodeCount = len(s.nodes[conversationID])
	c.EventCount = s.countEventsLocked(conversationID)
	return &c, nil
}

// DeleteConversation implements [store.GraphStore]. Deleting a non-existent
// conversation is not an error.
func (s *Store) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, conversationID)
	delete(s.nodes, conversationID)

	for sessionID, sessionEvents := range s.events {
		kept := sessionEvents[:0]
		for _, e := range sessionEvents {
			if e.ConversationID == conversationID {
				delete(s.eventSession, e.EventID)
				delete(s.latestUpdate, e.EventID)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.events, sessionID)
			delete(s.maxSeq, sessionID)
			continue
		}
		s.events[sessionID] = kept
	}
	return nil
}

// UpsertNode implements [store.GraphStore].
func (s *Store) UpsertNode(_ context.Context, n types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	byName := s.nodes[n.ConversationID]
	if byName == nil {
		byName = make(map[string]types.Node)
		s.nodes[n.ConversationID] = byName
	}

	if prev, ok := byName[n.NodeName]; ok {
		n.NodeID = prev.NodeID
		n.CreatedAt = prev.CreatedAt
	} else {
		if n.NodeID == "" {
			n.NodeID = uuid.NewString()
		}
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.EdgeRelations == nil {
		n.EdgeRelations = []types.EdgeRelation{}
	}
	byName[n.NodeName] = n

	if c, ok := s.conversations[n.ConversationID]; ok {
		c.UpdatedAt = now
		s.conversations[n.ConversationID] = c
	}
	return nil
}

// ListNodes implements [store.GraphStore].
func (s *Store) ListNodes(_ context.Context, conversationID string) ([]types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]types.Node, 0, len(s.nodes[conversationID]))
	for _, n := range s.nodes[conversationID] {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].NodeName < nodes[j].NodeName
	})
	return nodes, nil
}

// Close implements [store.Store]. It is a no-op for the in-memory store.
func (s *Store) Close() {}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// countEventsLocked counts the conversation's events. Callers must hold mu.
func (s *Store) countEventsLocked(conversationID string) int64 {
	var n int64
	for _, sessionEvents := range s.events {
		for _, e := range sessionEvents {
			if e.ConversationID == conversationID {
				n++
			}
		}
	}
	return n
}

// mergeParticipants returns the sorted union of both participant sets.
func mergeParticipants(existing, incoming []string) []string {
	merged := make([]string, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	for _, p := range incoming {
		if !slices.Contains(merged, p) {
			merged = append(merged, p)
		}
	}
	slices.Sort(merged)
	return merged
}
