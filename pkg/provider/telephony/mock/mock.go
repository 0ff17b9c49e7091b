// Package mock provides in-memory mock implementations of the
// [telephony.Server] and [telephony.MediaStream] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// tests can assert on call counts and arguments, and they expose the frame
// and mark channels directly so tests can script caller audio.
//
// Typical usage:
//
//	stream := mock.NewStream(telephony.StreamInfo{CallID: "CA123"})
//	stream.FramesCh <- audio.Frame{Data: frame, Source: audio.SourceCaller}
//	close(stream.FramesCh) // simulate hangup
package mock

import (
	"sync"

	"github.com/trunkline/trunkline/pkg/audio"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
)

// ─── Stream ────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [telephony.MediaStream].
//
// Tests own FramesCh and MarksCh: write caller frames to FramesCh and
// close it to simulate hangup.
type Stream struct {
	mu sync.Mutex

	// StreamInfo is returned by Info.
	StreamInfo telephony.StreamInfo

	// FramesCh backs Frames.
	FramesCh chan audio.Frame

	// MarksCh backs Marks.
	MarksCh chan string

	// SendErr, SendMarkErr, ClearErr, and CloseErr are returned by the
	// corresponding methods when set.
	SendErr     error
	SendMarkErr error
	ClearErr    error
	CloseErr    error

	// SendCalls records every frame passed to Send.
	SendCalls []audio.Frame

	// SendMarkCalls records every name passed to SendMark.
	SendMarkCalls []string

	// CallCountClear records how many times Clear was called.
	CallCountClear int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream with buffered frame and mark channels.
func NewStream(info telephony.StreamInfo) *Stream {
	return &Stream{
		StreamInfo: info,
		FramesCh:   make(chan audio.Frame, 64),
		MarksCh:    make(chan string, 8),
	}
}

// Info implements [telephony.MediaStream].
func (s *Stream) Info() telephony.StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamInfo
}

// Frames implements [telephony.MediaStream].
func (s *Stream) Frames() <-chan audio.Frame {
	return s.FramesCh
}

// Marks implements [telephony.MediaStream].
func (s *Stream) Marks() <-chan string {
	return s.MarksCh
}

// Send implements [telephony.MediaStream]. The frame is recorded with its
// payload copied so later mutation by the caller cannot corrupt the record.
func (s *Stream) Send(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := f
	cp.Data = make([]byte, len(f.Data))
	copy(cp.Data, f.Data)
	s.SendCalls = append(s.SendCalls, cp)
	return s.SendErr
}

// SendMark implements [telephony.MediaStream].
func (s *Stream) SendMark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendMarkCalls = append(s.SendMarkCalls, name)
	return s.SendMarkErr
}

// Clear implements [telephony.MediaStream].
func (s *Stream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClear++
	return s.ClearErr
}

// Close implements [telephony.MediaStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

// SentPayloads returns the Data of every recorded Send call, in order.
func (s *Stream) SentPayloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendCalls))
	for i, f := range s.SendCalls {
		out[i] = f.Data
	}
	return out
}

// ResetCalls clears recorded calls without touching the channels.
func (s *Stream) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendCalls = nil
	s.SendMarkCalls = nil
	s.CallCountClear = 0
	s.CallCountClose = 0
}

// ─── Server ────────────────────────────────────────────────────────────────

// Server is a mock implementation of [telephony.Server].
//
// Tests own StreamsCh: write mock streams to it to simulate incoming
// calls, close it to simulate server shutdown.
type Server struct {
	mu sync.Mutex

	// StreamsCh backs Streams.
	StreamsCh chan telephony.MediaStream

	// CloseErr is returned by Close when set.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewServer returns a Server with a buffered streams channel.
func NewServer() *Server {
	return &Server{StreamsCh: make(chan telephony.MediaStream, 8)}
}

// Streams implements [telephony.Server].
func (s *Server) Streams() <-chan telephony.MediaStream {
	return s.StreamsCh
}

// Close implements [telephony.Server].
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

var _ telephony.MediaStream = (*Stream)(nil)
var _ telephony.Server = (*Server)(nil)
