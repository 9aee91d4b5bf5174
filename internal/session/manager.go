package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager is the process-wide registry of live sessions. Creation and
// removal run under a single writer mutex; once a handle is obtained all
// further interaction is lock-free through the [Session]'s own methods.
//
// All methods are safe for concurrent use.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates an empty registry. logger defaults to [slog.Default]
// if nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		log:      logger,
		sessions: make(map[string]*Session),
	}
}

// Create builds, starts and registers a session. Returns an error when a
// live session with the same id already exists, when the registry is shut
// down, or when the session's transcription stream cannot be opened.
// Finished sessions remove themselves from the registry.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session: create: empty session id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: create %q: registry shut down", cfg.SessionID)
	}
	if _, ok := m.sessions[cfg.SessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: create %q: session already exists", cfg.SessionID)
	}
	// Reserve the id before the slow start so a concurrent Create with the
	// same id fails instead of racing.
	m.sessions[cfg.SessionID] = nil
	m.mu.Unlock()

	s := newSession(cfg)
	if err := s.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, cfg.SessionID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[cfg.SessionID] = s
	m.mu.Unlock()

	go func() {
		<-s.Done()
		m.Remove(cfg.SessionID)
	}()

	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// Remove drops the session from the registry without closing it. Returns
// whether the id was present.
func (m *Manager) Remove(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	delete(m.sessions, sessionID)
	return true
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// UpdateGlossary pushes a changed glossary to every live session, for the
// config reload path. Sessions still starting when the reload fires keep
// the glossary they were created with until the next reload.
func (m *Manager) UpdateGlossary(terms []string) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	updated := 0
	for _, s := range all {
		if err := s.UpdateGlossary(terms); err == nil {
			updated++
		}
	}
	if updated > 0 {
		m.log.Info("glossary pushed to live sessions", "sessions", updated, "terms", len(terms))
	}
}

// CloseAll closes every live session and blocks the registry against
// further Create calls. Used at server shutdown; each session drains under
// ctx.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	if len(all) == 0 {
		return
	}
	m.log.Info("closing all sessions", "count", len(all), "reason", reason)

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx, reason); err != nil {
				m.log.Warn("session close timed out", "session_id", s.ID(), "err", err)
			}
		}(s)
	}
	wg.Wait()
}
