// Package nova implements the engine.Provider interface for Nova-style
// speech-to-speech gateways.
//
// It establishes a bidirectional WebSocket connection and exchanges JSON
// events: the client streams base64-encoded PCM16 caller audio as
// audioInput events, the gateway answers with audioOutput chunks framed by
// completionStart/completionEnd lifecycle events, plus textOutput
// transcripts for both sides of the conversation. An in-flight completion
// is truncated with completionCancel, which is what the relay's barge-in
// path relies on.
package nova

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/trunkline/trunkline/pkg/provider/engine"
)

// Compile-time assertions that Provider and session satisfy the engine
// interfaces.
var _ engine.Provider = (*Provider)(nil)
var _ engine.SessionHandle = (*session)(nil)

const (
	defaultModel      = "nova-sonic-v1"
	defaultVoice      = "matthew"
	defaultInputRate  = 16000
	defaultOutputRate = 24000

	// Nova sessions are capped at 8 minutes by the provider.
	maxSessionMs = 8 * 60 * 1000

	// Transient dial failures are retried with doubling backoff before
	// Connect gives up.
	dialAttempts    = 3
	dialBackoffBase = 500 * time.Millisecond
)

// ─── Options ───────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model requested for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the default synthesis voice used when a session config
// does not name one.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithDialAttempts overrides how often Connect retries a failed dial.
// Primarily used in tests to avoid backoff waits.
func WithDialAttempts(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.dialAttempts = n
		}
	}
}

// ─── Provider ──────────────────────────────────────────────────────────────

// Provider implements engine.Provider for Nova-style gateways.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	voice        string
	dialAttempts int
}

// New creates a Provider speaking to the gateway at baseURL (a ws:// or
// wss:// URL) with the given API key and options.
func New(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      baseURL,
		model:        defaultModel,
		voice:        defaultVoice,
		dialAttempts: dialAttempts,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Nova gateway.
func (p *Provider) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		InputSampleRate:      defaultInputRate,
		OutputSampleRate:     defaultOutputRate,
		MaxSessionDurationMs: maxSessionMs,
		SupportsCancellation: true,
	}
}

// Connect establishes a new Nova session. Transient dial failures are
// retried with doubling backoff; the returned SessionHandle is ready to
// accept audio as soon as the sessionStart event has been written.
func (p *Provider) Connect(ctx context.Context, cfg engine.SessionConfig) (engine.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	var conn *websocket.Conn
	var err error
	backoff := dialBackoffBase
	for attempt := range p.dialAttempts {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
		conn, _, err = websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{
				"Authorization": []string{"Bearer " + p.apiKey},
			},
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("nova: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		audioCh: make(chan []byte, 64),
		events:  make(chan engine.Event, 16),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionStart(p.voice, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session start failed")
		return nil, fmt.Errorf("nova: session start: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ─── Protocol message types (outgoing) ─────────────────────────────────────

type sessionStartMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	VoiceID          string `json:"voiceId,omitempty"`
	InputSampleRate  int    `json:"inputSampleRateHertz"`
	OutputSampleRate int    `json:"outputSampleRateHertz"`
	InputEncoding    string `json:"inputEncoding"`
	OutputEncoding   string `json:"outputEncoding"`
}

type audioInputMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type controlMessage struct {
	Type string `json:"type"`
}

// ─── Protocol message types (incoming) ─────────────────────────────────────

// serverErrorDetail is the nested error object in a gateway error event:
// {"type":"error","error":{"code":"...","message":"..."}}.
type serverErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// completionStart / completionEnd
	CompletionID string `json:"completionId,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`

	// audioOutput (base64 PCM16) and textOutput (plain text)
	Content string `json:"content,omitempty"`

	// textOutput
	Role string `json:"role,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ─── session ───────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	audioCh chan []byte
	events  chan engine.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionStart configures prompt, voice, and audio formats.
func (s *session) sendSessionStart(defaultVoice string, cfg engine.SessionConfig) error {
	params := sessionParams{
		SystemPrompt:     cfg.SystemPrompt,
		VoiceID:          defaultVoice,
		InputSampleRate:  defaultInputRate,
		OutputSampleRate: defaultOutputRate,
		InputEncoding:    "pcm16",
		OutputEncoding:   "pcm16",
	}
	if cfg.Voice != "" {
		params.VoiceID = cfg.Voice
	}
	if cfg.InputSampleRate > 0 {
		params.InputSampleRate = cfg.InputSampleRate
	}
	if cfg.OutputSampleRate > 0 {
		params.OutputSampleRate = cfg.OutputSampleRate
	}
	return s.writeJSON(sessionStartMessage{Type: "sessionStart", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nova: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns audioCh and events: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if fatal := s.handleServerEvent(&evt); fatal {
			return
		}
	}
}

// handleServerEvent dispatches one gateway event. It reports true when the
// event terminates the session.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "sessionReady":
		// Informational; audio may already be in flight.

	case "completionStart":
		s.emit(engine.Event{
			Type:         engine.EventGenerationStarted,
			GenerationID: evt.CompletionID,
		})

	case "audioOutput":
		if evt.Content == "" {
			return false
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Content)
		if err != nil || len(audioData) == 0 {
			return false
		}
		select {
		case s.audioCh <- audioData:
		case <-s.ctx.Done():
		}

	case "textOutput":
		if evt.Content == "" {
			return false
		}
		s.emit(engine.Event{
			Type: engine.EventTranscript,
			Role: evt.Role,
			Text: evt.Content,
		})

	case "completionEnd":
		s.emit(engine.Event{
			Type:         engine.EventGenerationDone,
			GenerationID: evt.CompletionID,
			StopReason:   evt.StopReason,
		})

	case "error":
		engErr := &engine.Error{Message: "unknown error"}
		if evt.Error != nil {
			engErr.Code = evt.Error.Code
			if evt.Error.Message != "" {
				engErr.Message = evt.Error.Message
			}
		}
		s.setErr(engErr)
		return true
	}
	return false
}

func (s *session) emit(ev engine.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.events)
	})
}

// ─── SessionHandle methods ─────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the gateway.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("nova: session closed")
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(audioInputMessage{Type: "audioInput", Audio: encoded})
}

// Audio returns the channel on which synthesized audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Events returns the channel on which lifecycle and transcript events
// arrive.
func (s *session) Events() <-chan engine.Event { return s.events }

// Err returns the first non-nil error that caused the session to
// terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// CancelGeneration sends a completionCancel event to truncate the current
// response.
func (s *session) CancelGeneration() error {
	return s.writeJSON(controlMessage{Type: "completionCancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Best-effort farewell so the gateway can finalize billing and logs.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if data, err := json.Marshal(controlMessage{Type: "sessionEnd"}); err == nil {
		_ = s.conn.Write(ctx, websocket.MessageText, data)
	}

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
