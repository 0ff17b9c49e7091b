// Package telephony defines the interfaces and types for telephony media
// streams, the caller-side leg of a relay session.
//
// The two primary abstractions are:
//
//   - [Server] — accepts incoming media connections and surfaces each one
//     as a [MediaStream].
//   - [MediaStream] — one live call: caller audio frames in, agent audio
//     frames out, plus playback marks and buffer clearing.
//
// Implementations wrap a concrete media-stream wire protocol (e.g. the
// Twilio Media Streams WebSocket protocol in the twilio subpackage). The
// interfaces are intentionally narrow so the relay core never sees wire
// envelopes, only frames.
package telephony

import (
	"errors"

	"github.com/trunkline/trunkline/pkg/audio"
)

// ErrChannelClosed is returned by [MediaStream] write methods after the
// underlying connection has closed, whether by caller hangup or by an
// explicit Close. Receivers learn the same fact from the Frames channel
// closing.
var ErrChannelClosed = errors.New("telephony: media stream closed")

// StreamInfo identifies a media stream and describes its audio format.
type StreamInfo struct {
	// CallID is the far end's call identifier. Never empty: adapters
	// generate one when the wire protocol does not supply it.
	CallID string

	// StreamID identifies this media stream within the call.
	StreamID string

	// From and To are the call party identifiers when the far end
	// supplies them, empty otherwise.
	From string
	To   string

	// Format is the negotiated frame encoding for both directions.
	Format audio.EncodingInfo
}

// MediaStream represents one live call leg.
//
// A MediaStream is obtained from [Server.Streams] and remains valid until
// the far end hangs up or [MediaStream.Close] is called. The Frames
// channel is owned by the implementation and closed on termination.
//
// Implementations must be safe for concurrent use.
type MediaStream interface {
	// Info returns the stream's identifiers and audio format.
	Info() StreamInfo

	// Frames returns the channel delivering caller audio frames in
	// arrival order. The channel is closed when the far end hangs up or
	// the stream is closed; a closed channel is the hangup signal.
	Frames() <-chan audio.Frame

	// Send queues one agent audio frame for playback. The frame's Data
	// must already be in the stream's wire encoding.
	// Returns [ErrChannelClosed] after termination.
	Send(f audio.Frame) error

	// SendMark asks the far end to echo name back once playback has
	// reached this point in the outbound audio. Marks received from the
	// far end are observable via [MediaStream.Marks].
	SendMark(name string) error

	// Marks returns the channel delivering playback marks echoed by the
	// far end. Closed together with Frames.
	Marks() <-chan string

	// Clear tells the far end to discard all buffered but unplayed
	// outbound audio. Used when an utterance is cut short.
	Clear() error

	// Close tears down the stream. Safe to call more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// Server accepts incoming telephony media connections.
//
// Implementations must be safe for concurrent use.
type Server interface {
	// Streams returns the channel on which newly accepted media streams
	// are delivered, one per call. The channel is closed when the server
	// shuts down.
	Streams() <-chan MediaStream

	// Close stops accepting connections and terminates all live streams.
	// Safe to call more than once.
	Close() error
}
