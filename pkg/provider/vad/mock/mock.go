// Package mock provides scriptable test doubles for the vad interfaces.
//
// Script a Session with the events a test needs, hand it to an Engine, and
// inspect Frames afterwards to see what the code under test submitted:
//
//	sess := &mock.Session{
//	    Script: []vad.VADEvent{
//	        {Type: vad.VADSpeechStart, Energy: 2500},
//	        {Type: vad.VADSpeechEnd},
//	    },
//	}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/threadloom/pkg/provider/vad"
)

// Engine is a scriptable vad.Engine. The zero value hands out fresh empty
// Sessions. All fields are read under the same lock that guards the call
// records, so tests may inspect them while the code under test runs.
type Engine struct {
	mu sync.Mutex

	// Session is returned by every NewSession call. Nil means each call
	// gets its own zero-valued Session.
	Session vad.SessionHandle

	// Err fails NewSession when set.
	Err error

	// Configs collects the Config of every NewSession call, in order.
	Configs []vad.Config
}

// NewSession records cfg and returns Session (or a fresh one) and Err.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// SessionCount reports how many sessions were requested.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Configs)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a scriptable vad.SessionHandle. Script entries are consumed one
// per ProcessFrame call; once the script drains, every further call returns
// After.
type Session struct {
	mu sync.Mutex

	// Script is the queue of events to return, in order.
	Script []vad.VADEvent

	// After is returned once Script is drained.
	After vad.VADEvent

	// Err is returned alongside the event by every ProcessFrame call.
	Err error

	// CloseErr is returned by Close.
	CloseErr error

	// Frames holds a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	// Resets and Closes count the respective calls.
	Resets int
	Closes int
}

// ProcessFrame records a copy of frame and returns the next scripted event,
// or After when the script is empty.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	if len(s.Script) > 0 {
		ev := s.Script[0]
		s.Script = s.Script[1:]
		return ev, s.Err
	}
	return s.After, s.Err
}

// Reset counts the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
}

// Close counts the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return s.CloseErr
}

// FrameCount reports how many frames were processed.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

var _ vad.SessionHandle = (*Session)(nil)
