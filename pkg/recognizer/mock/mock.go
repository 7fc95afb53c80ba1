// Package mock provides in-memory mock implementations of the
// [recognizer.Provider] and [recognizer.Session] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. Tests script backend behaviour by
// pushing values through [Session.PushResult] and [Session.PushCancel] and
// by setting the exported fields before use.
package mock

import (
	"context"
	"sync"

	"github.com/voxscribe/voxscribe/pkg/recognizer"
)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [recognizer.Session].
type Session struct {
	mu sync.Mutex

	// WriteError is returned by WriteAudio when non-nil.
	WriteError error

	// Status is returned by ConnectionStatus. Change it with SetStatus.
	Status recognizer.ConnectionStatus

	// Written records every chunk passed to WriteAudio.
	Written [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int

	results  chan recognizer.Result
	canceled chan recognizer.CancelEvent
	closed   bool
}

// NewSession creates a ready-to-use mock session reporting StatusConnected.
func NewSession() *Session {
	return &Session{
		Status:   recognizer.StatusConnected,
		results:  make(chan recognizer.Result, 64),
		canceled: make(chan recognizer.CancelEvent, 8),
	}
}

// WriteAudio implements [recognizer.Session]. Records the chunk.
func (s *Session) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteError != nil {
		return s.WriteError
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Written = append(s.Written, cp)
	return nil
}

// Results implements [recognizer.Session].
func (s *Session) Results() <-chan recognizer.Result { return s.results }

// Canceled implements [recognizer.Session].
func (s *Session) Canceled() <-chan recognizer.CancelEvent { return s.canceled }

// ConnectionStatus implements [recognizer.Session].
func (s *Session) ConnectionStatus() recognizer.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// Close implements [recognizer.Session]. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.results)
		close(s.canceled)
	}
	return nil
}

// PushResult delivers a scripted recognition result to the consumer.
// No-op after Close.
func (s *Session) PushResult(r recognizer.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- r
}

// PushCancel delivers a scripted cancellation event to the consumer.
// No-op after Close.
func (s *Session) PushCancel(ev recognizer.CancelEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.canceled <- ev
}

// SetStatus changes the status reported by ConnectionStatus.
func (s *Session) SetStatus(st recognizer.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = st
}

// WrittenChunks returns a copy of all chunks recorded by WriteAudio.
func (s *Session) WrittenChunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Written))
	copy(out, s.Written)
	return out
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// StartCall records the arguments of a single [Provider.StartStream]
// invocation.
type StartCall struct {
	// Config is the stream config passed to StartStream.
	Config recognizer.StreamConfig
}

// Provider is a mock implementation of [recognizer.Provider]. Each
// StartStream call returns the next session from Sessions, or a fresh
// NewSession when the list is exhausted.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out in order by StartStream.
	Sessions []*Session

	// StartErrors are returned in order before any session is handed out;
	// a nil entry means success for that call. Once exhausted, calls
	// succeed.
	StartErrors []error

	// StartCalls records all StartStream invocations.
	StartCalls []StartCall

	next     int
	errIndex int
}

// StartStream implements [recognizer.Provider].
func (p *Provider) StartStream(_ context.Context, cfg recognizer.StreamConfig) (recognizer.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, StartCall{Config: cfg})

	if p.errIndex < len(p.StartErrors) {
		err := p.StartErrors[p.errIndex]
		p.errIndex++
		if err != nil {
			return nil, err
		}
	}

	if p.next < len(p.Sessions) {
		s := p.Sessions[p.next]
		p.next++
		return s, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	p.next = len(p.Sessions)
	return s, nil
}

// StartCount returns how many times StartStream was called.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartCalls)
}
