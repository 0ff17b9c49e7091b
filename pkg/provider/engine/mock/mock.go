// Package mock provides test doubles for the [engine.Provider] and
// [engine.SessionHandle] interfaces.
//
// The mock session exposes its audio and event channels directly so tests
// can script engine behavior: write to AudioCh to simulate synthesized
// speech arriving, write to EventsCh to simulate generation lifecycle
// events, and close both to simulate session teardown.
package mock

import (
	"context"
	"sync"

	"github.com/trunkline/trunkline/pkg/provider/engine"
)

// Provider is a mock implementation of [engine.Provider].
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new
	// Session with buffered channels.
	Session *Session

	// ConnectErr, if set, is returned by Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities engine.Capabilities

	// ConnectCalls records the config passed to each Connect call.
	ConnectCalls []engine.SessionConfig

	// CapabilitiesCallCount counts Capabilities calls.
	CapabilitiesCallCount int
}

// Connect implements [engine.Provider].
func (p *Provider) Connect(_ context.Context, cfg engine.SessionConfig) (engine.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Capabilities implements [engine.Provider].
func (p *Provider) Capabilities() engine.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
}

// Session is a mock implementation of [engine.SessionHandle].
//
// Tests own the AudioCh and EventsCh channels: write to them to feed the
// component under test, close them to end the stream.
type Session struct {
	mu sync.Mutex

	// AudioCh backs Audio. Tests write synthesized PCM chunks here.
	AudioCh chan []byte

	// EventsCh backs Events. Tests write lifecycle events here.
	EventsCh chan engine.Event

	// SendAudioErr, if set, is returned by SendAudio.
	SendAudioErr error

	// SendAudioFunc, if set, is called by SendAudio after the chunk is
	// recorded, and its result is returned instead of SendAudioErr. Use it
	// to simulate a slow or blocking engine transport.
	SendAudioFunc func(chunk []byte) error

	// CancelErr, if set, is returned by CancelGeneration.
	CancelErr error

	// CloseErr, if set, is returned by Close.
	CloseErr error

	// ErrVal is returned by Err.
	ErrVal error

	// SendAudioCalls records every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CancelCallCount counts CancelGeneration calls.
	CancelCallCount int

	// CloseCallCount counts Close calls.
	CloseCallCount int
}

// NewSession returns a Session with buffered audio and event channels.
func NewSession() *Session {
	return &Session{
		AudioCh:  make(chan []byte, 64),
		EventsCh: make(chan engine.Event, 16),
	}
}

// SendAudio implements [engine.SessionHandle].
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	fn, err := s.SendAudioFunc, s.SendAudioErr
	s.mu.Unlock()

	if fn != nil {
		return fn(chunk)
	}
	return err
}

// Audio implements [engine.SessionHandle].
func (s *Session) Audio() <-chan []byte {
	return s.AudioCh
}

// Events implements [engine.SessionHandle].
func (s *Session) Events() <-chan engine.Event {
	return s.EventsCh
}

// Err implements [engine.SessionHandle].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// CancelGeneration implements [engine.SessionHandle].
func (s *Session) CancelGeneration() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCallCount++
	return s.CancelErr
}

// Close implements [engine.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears recorded calls without touching the channels.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CancelCallCount = 0
	s.CloseCallCount = 0
}

var _ engine.Provider = (*Provider)(nil)
var _ engine.SessionHandle = (*Session)(nil)
