// Package twilio implements the [telephony.Server] and
// [telephony.MediaStream] interfaces over the Twilio Media Streams
// WebSocket protocol.
//
// The far end opens one WebSocket per call and speaks a JSON envelope
// protocol: a "start" event announcing call identifiers and media format,
// "media" events carrying base64 G.711 payloads in both directions, "mark"
// events for playback synchronization, and "stop" on hangup. The server
// is an [http.Handler]; mount it wherever the media URL points.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/trunkline/trunkline/pkg/audio"
	"github.com/trunkline/trunkline/pkg/provider/telephony"
)

const (
	// handshakeTimeout bounds the wait for the "start" event after the
	// WebSocket is accepted.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds every outbound WebSocket write.
	writeTimeout = 5 * time.Second

	// markInterval is the number of outbound media frames between
	// automatic playout marks.
	markInterval = 50
)

// ─── Wire envelopes ────────────────────────────────────────────────────────

// envelope is the Twilio Media Streams message frame, both directions.
type envelope struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
	Stop      *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// wireEncoding maps a Media Streams MIME encoding to the internal one.
func wireEncoding(mime string) (audio.Encoding, bool) {
	switch mime {
	case "audio/x-mulaw":
		return audio.EncodingMulaw, true
	case "audio/x-alaw":
		return audio.EncodingALaw, true
	case "audio/x-l16":
		return audio.EncodingPCM16, true
	default:
		return "", false
	}
}

// ─── Server ────────────────────────────────────────────────────────────────

// Server accepts Twilio Media Streams WebSocket connections and exposes
// each as a [telephony.MediaStream]. It implements [http.Handler]; mount
// it at the path the stream URL points to.
type Server struct {
	frameDur time.Duration
	streams  chan telephony.MediaStream

	mu     sync.Mutex
	active map[*stream]struct{}
	closed bool
	done   chan struct{}

	// handlers tracks in-flight connection handlers so Close can wait
	// for them before closing the streams channel.
	handlers sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithFrameDuration sets the nominal frame duration used to synthesize
// frame timestamps when the far end omits them. Defaults to
// [audio.DefaultFrameDuration].
func WithFrameDuration(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// NewServer creates a media stream server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		frameDur: audio.DefaultFrameDuration,
		streams:  make(chan telephony.MediaStream, 8),
		active:   make(map[*stream]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Streams implements [telephony.Server].
func (s *Server) Streams() <-chan telephony.MediaStream {
	return s.streams
}

// ServeHTTP accepts one WebSocket connection and runs its read loop until
// the call ends. The connection only becomes visible on [Server.Streams]
// once its "start" event has arrived.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("twilio: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	st := newStream(conn, s.frameDur)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.handlers.Add(1)
	s.active[st] = struct{}{}
	s.mu.Unlock()

	st.run(s)

	s.mu.Lock()
	delete(s.active, st)
	s.mu.Unlock()
	s.handlers.Done()
}

// deliver hands a started stream to the application. Returns false if the
// server is shutting down or the stream died before anyone accepted it.
func (s *Server) deliver(st *stream) bool {
	select {
	case s.streams <- st:
		return true
	case <-s.done:
		return false
	case <-st.ctx.Done():
		return false
	}
}

// Close implements [telephony.Server]. It stops accepting connections,
// terminates all live streams, and closes the Streams channel.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*stream, 0, len(s.active))
	for st := range s.active {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	close(s.done)
	for _, st := range streams {
		_ = st.Close()
	}
	s.handlers.Wait()
	close(s.streams)
	return nil
}

// ─── Stream ────────────────────────────────────────────────────────────────

// stream is one live Media Streams connection.
type stream struct {
	conn     *websocket.Conn
	frameDur time.Duration

	frames chan audio.Frame
	marks  chan string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	info      telephony.StreamInfo
	started   bool
	closed    bool
	recvSeq   uint64
	sendCount uint64

	closeOnce sync.Once
}

func newStream(conn *websocket.Conn, frameDur time.Duration) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		conn:     conn,
		frameDur: frameDur,
		frames:   make(chan audio.Frame, 16),
		marks:    make(chan string, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Info implements [telephony.MediaStream].
func (st *stream) Info() telephony.StreamInfo {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.info
}

// Frames implements [telephony.MediaStream].
func (st *stream) Frames() <-chan audio.Frame {
	return st.frames
}

// Marks implements [telephony.MediaStream].
func (st *stream) Marks() <-chan string {
	return st.marks
}

// Send implements [telephony.MediaStream]. Every markInterval-th frame is
// followed by an automatic playout mark so the far end's buffer depth
// stays observable.
func (st *stream) Send(f audio.Frame) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return telephony.ErrChannelClosed
	}
	streamSid := st.info.StreamID
	st.sendCount++
	n := st.sendCount
	st.mu.Unlock()

	err := st.writeJSON(envelope{
		Event:     "media",
		StreamSid: streamSid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(f.Data)},
	})
	if err != nil {
		return err
	}
	if n%markInterval == 0 {
		return st.SendMark(fmt.Sprintf("audio-%d", n))
	}
	return nil
}

// SendMark implements [telephony.MediaStream].
func (st *stream) SendMark(name string) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return telephony.ErrChannelClosed
	}
	streamSid := st.info.StreamID
	st.mu.Unlock()

	return st.writeJSON(envelope{
		Event:     "mark",
		StreamSid: streamSid,
		Mark:      &markPayload{Name: name},
	})
}

// Clear implements [telephony.MediaStream].
func (st *stream) Clear() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return telephony.ErrChannelClosed
	}
	streamSid := st.info.StreamID
	st.mu.Unlock()

	return st.writeJSON(envelope{Event: "clear", StreamSid: streamSid})
}

// Close implements [telephony.MediaStream]. The read loop observes the
// cancelled context, exits, and closes the frame and mark channels.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		st.cancel()
		_ = st.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (st *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("twilio: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(st.ctx, writeTimeout)
	defer cancel()
	if err := st.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("twilio: write: %w", err)
	}
	return nil
}

// run reads envelopes until hangup, close, or error. It owns frames and
// marks: both are closed when it returns.
func (st *stream) run(srv *Server) {
	defer func() {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
		st.cancel()
		close(st.frames)
		close(st.marks)
		_ = st.conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Until the start event arrives, reads race a handshake deadline.
	hctx, hcancel := context.WithTimeout(st.ctx, handshakeTimeout)
	defer hcancel()
	readCtx := hctx

	for {
		_, data, err := st.conn.Read(readCtx)
		if err != nil {
			if st.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Debug("twilio: read ended", "stream_sid", st.Info().StreamID, "err", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("twilio: bad envelope", "err", err)
			continue
		}

		switch env.Event {
		case "connected":
			// Protocol preamble, nothing to do.

		case "start":
			if env.Start == nil {
				slog.Warn("twilio: start event without start payload")
				continue
			}
			st.applyStart(env.Start)
			hcancel()
			readCtx = st.ctx
			if !srv.deliver(st) {
				return
			}

		case "media":
			if env.Media == nil {
				continue
			}
			if !st.handleMedia(env.Media) {
				return
			}

		case "mark":
			if env.Mark == nil {
				continue
			}
			select {
			case st.marks <- env.Mark.Name:
			default:
				// Marks are advisory; dropping one is harmless.
			}

		case "stop":
			slog.Info("twilio: stream stopped", "stream_sid", st.Info().StreamID)
			return

		default:
			slog.Debug("twilio: ignoring event", "event", env.Event)
		}
	}
}

// applyStart fills the stream info from the start payload.
func (st *stream) applyStart(p *startPayload) {
	enc, ok := wireEncoding(p.MediaFormat.Encoding)
	if !ok {
		slog.Warn("twilio: unknown media encoding, assuming mulaw",
			"encoding", p.MediaFormat.Encoding)
		enc = audio.EncodingMulaw
	}
	rate := p.MediaFormat.SampleRate
	if rate <= 0 {
		rate = 8000
	}

	callID := p.CallSid
	if callID == "" {
		callID = uuid.NewString()
	}

	st.mu.Lock()
	st.info = telephony.StreamInfo{
		CallID:   callID,
		StreamID: p.StreamSid,
		From:     p.CustomParameters["from"],
		To:       p.CustomParameters["to"],
		Format:   audio.EncodingInfo{SampleRate: rate, Encoding: enc},
	}
	st.started = true
	st.mu.Unlock()

	slog.Info("twilio: stream started",
		"call_sid", callID, "stream_sid", p.StreamSid,
		"encoding", p.MediaFormat.Encoding, "sample_rate", rate)
}

// handleMedia decodes one caller media payload and queues it as a frame.
// Returns false when the stream context ended.
func (st *stream) handleMedia(p *mediaPayload) bool {
	raw, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		slog.Warn("twilio: undecodable media payload",
			"stream_sid", st.Info().StreamID, "err", err)
		return true
	}

	st.mu.Lock()
	seq := st.recvSeq
	st.recvSeq++
	st.mu.Unlock()

	ts := time.Duration(seq) * st.frameDur
	if p.Timestamp != "" {
		if ms, err := strconv.ParseInt(p.Timestamp, 10, 64); err == nil {
			ts = time.Duration(ms) * time.Millisecond
		}
	}

	frame := audio.Frame{
		Data:      raw,
		Seq:       seq,
		Source:    audio.SourceCaller,
		Timestamp: ts,
	}

	select {
	case st.frames <- frame:
		return true
	case <-st.ctx.Done():
		return false
	}
}

var _ telephony.Server = (*Server)(nil)
var _ telephony.MediaStream = (*stream)(nil)
var _ http.Handler = (*Server)(nil)
