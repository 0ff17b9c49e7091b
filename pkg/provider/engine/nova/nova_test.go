package nova_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/trunkline/trunkline/pkg/provider/engine"
	"github.com/trunkline/trunkline/pkg/provider/engine/nova"
)

// ─── Helpers ───────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startNovaServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is automatically closed when the test
// finishes.
func startNovaServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ─── Construction ──────────────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := nova.New("key", "wss://example.invalid")
	if p == nil {
		t.Fatal("New returned nil")
	}
	caps := p.Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("native rates = %d/%d; want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if !caps.SupportsCancellation {
		t.Error("SupportsCancellation should be true")
	}
}

// ─── Connect ───────────────────────────────────────────────────────────────

func TestConnect_SendsSessionStart(t *testing.T) {
	t.Parallel()

	type sessionStartMsg struct {
		Type    string `json:"type"`
		Session struct {
			SystemPrompt     string `json:"systemPrompt"`
			VoiceID          string `json:"voiceId"`
			InputSampleRate  int    `json:"inputSampleRateHertz"`
			OutputSampleRate int    `json:"outputSampleRateHertz"`
			InputEncoding    string `json:"inputEncoding"`
			OutputEncoding   string `json:"outputEncoding"`
		} `json:"session"`
	}

	received := make(chan sessionStartMsg, 1)

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionStartMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{
		SystemPrompt: "You are a phone agent.",
		Voice:        "tiffany",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case msg := <-received:
		if msg.Type != "sessionStart" {
			t.Errorf("type = %q; want sessionStart", msg.Type)
		}
		if msg.Session.SystemPrompt != "You are a phone agent." {
			t.Errorf("systemPrompt = %q", msg.Session.SystemPrompt)
		}
		if msg.Session.VoiceID != "tiffany" {
			t.Errorf("voiceId = %q; want tiffany", msg.Session.VoiceID)
		}
		if msg.Session.InputSampleRate != 16000 {
			t.Errorf("inputSampleRateHertz = %d; want 16000", msg.Session.InputSampleRate)
		}
		if msg.Session.OutputSampleRate != 24000 {
			t.Errorf("outputSampleRateHertz = %d; want 24000", msg.Session.OutputSampleRate)
		}
		if msg.Session.InputEncoding != "pcm16" || msg.Session.OutputEncoding != "pcm16" {
			t.Errorf("encodings = %q/%q; want pcm16/pcm16",
				msg.Session.InputEncoding, msg.Session.OutputEncoding)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for sessionStart")
	}
}

func TestConnect_SendsAuthHeaderAndModel(t *testing.T) {
	t.Parallel()

	type connInfo struct {
		auth  string
		model string
	}
	info := make(chan connInfo, 1)

	srv := startNovaServer(t, func(conn *websocket.Conn, r *http.Request) {
		info <- connInfo{
			auth:  r.Header.Get("Authorization"),
			model: r.URL.Query().Get("model"),
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("secret-token", wsURL(srv), nova.WithModel("nova-sonic-v2"))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case got := <-info:
		if got.auth != "Bearer secret-token" {
			t.Errorf("Authorization = %q; want Bearer secret-token", got.auth)
		}
		if got.model != "nova-sonic-v2" {
			t.Errorf("model = %q; want nova-sonic-v2", got.model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_RetriesTransientDialFailure(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The first dial attempt hits a gateway hiccup.
		if requests.Add(1) == 1 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect after retry: %v", err)
	}
	defer handle.Close()

	if got := requests.Load(); got < 2 {
		t.Errorf("dial attempts = %d; want at least 2", got)
	}
}

func TestConnect_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p := nova.New("key", wsURL(srv), nova.WithDialAttempts(1))
	if _, err := p.Connect(context.Background(), engine.SessionConfig{}); err == nil {
		t.Fatal("Connect should fail when every dial attempt is refused")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv), nova.WithDialAttempts(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Connect(ctx, engine.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ─── Audio path ────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type audioMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	audioIn := make(chan audioMsg, 1)

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // sessionStart

		var msg audioMsg
		readJSON(t, conn, &msg)
		audioIn <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	wantPCM := []byte{0x10, 0x20, 0x30, 0x40}
	if err := handle.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioIn:
		if msg.Type != "audioInput" {
			t.Errorf("type = %q; want audioInput", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audioInput")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = handle.Close()

	if err := handle.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

func TestAudio_DeliversDecodedPCM(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "audioOutput", "content": encoded})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case chunk, ok := <-handle.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

// ─── Events ────────────────────────────────────────────────────────────────

func TestEvents_GenerationLifecycle(t *testing.T) {
	t.Parallel()

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "completionStart", "completionId": "gen-1"})
		writeJSON(t, conn, map[string]any{"type": "textOutput", "role": "assistant", "content": "Hello there."})
		writeJSON(t, conn, map[string]any{"type": "completionEnd", "completionId": "gen-1", "stopReason": "END_TURN"})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	next := func() engine.Event {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				t.Fatal("Events channel closed unexpectedly")
			}
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for event")
		}
		return engine.Event{}
	}

	ev := next()
	if ev.Type != engine.EventGenerationStarted || ev.GenerationID != "gen-1" {
		t.Errorf("event 0 = %+v; want generation_started gen-1", ev)
	}
	ev = next()
	if ev.Type != engine.EventTranscript || ev.Role != "assistant" || ev.Text != "Hello there." {
		t.Errorf("event 1 = %+v; want assistant transcript", ev)
	}
	ev = next()
	if ev.Type != engine.EventGenerationDone || ev.StopReason != "END_TURN" {
		t.Errorf("event 2 = %+v; want generation_done END_TURN", ev)
	}
}

func TestErrorEvent_TerminatesSession(t *testing.T) {
	t.Parallel()

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"code":    "modelTimeout",
				"message": "model took too long",
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	// The audio channel closes once the gateway reports a fatal error.
	select {
	case _, open := <-handle.Audio():
		if open {
			t.Fatal("expected Audio channel to close after error event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}

	var engErr *engine.Error
	if !errors.As(handle.Err(), &engErr) {
		t.Fatalf("Err() = %v; want *engine.Error", handle.Err())
	}
	if engErr.Code != "modelTimeout" {
		t.Errorf("code = %q; want modelTimeout", engErr.Code)
	}
}

// ─── Cancellation and close ────────────────────────────────────────────────

func TestCancelGeneration_SendsCompletionCancel(t *testing.T) {
	t.Parallel()

	type cancelMsg struct {
		Type string `json:"type"`
	}
	cancelReceived := make(chan cancelMsg, 1)

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg cancelMsg
		readJSON(t, conn, &msg)
		cancelReceived <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.CancelGeneration(); err != nil {
		t.Fatalf("CancelGeneration: %v", err)
	}

	select {
	case msg := <-cancelReceived:
		if msg.Type != "completionCancel" {
			t.Errorf("type = %q; want completionCancel", msg.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for completionCancel")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_ClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_ = handle.Close()

	select {
	case _, open := <-handle.Audio():
		if open {
			t.Error("Audio channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}
	select {
	case _, open := <-handle.Events():
		if open {
			t.Error("Events channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Events channel to close")
	}
}

func TestErr_NilBeforeError(t *testing.T) {
	t.Parallel()

	srv := startNovaServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := nova.New("key", wsURL(srv))
	handle, err := p.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if got := handle.Err(); got != nil {
		t.Errorf("Err() = %v; want nil before any error", got)
	}
}
