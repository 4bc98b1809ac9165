package openairt_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/provider/realtime"
	"github.com/voxloop/voxloop/pkg/provider/realtime/openairt"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server that speaks just enough
// of the Realtime protocol for the handler to take over after the handshake.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// handshake acknowledges the session and consumes the client's session.update.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	var raw map[string]any
	readJSON(t, conn, &raw)
}

func newProvider(srv *httptest.Server) *openairt.Provider {
	return openairt.New("test-api-key", openairt.WithBaseURL(wsURL(srv)))
}

func nextEvent(t *testing.T, handle realtime.SessionHandle, kind realtime.EventKind) realtime.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-handle.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", kind)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %v event", kind)
		}
	}
}

// ── Connect ────────────────────────────────────────────────────────────────────

func TestConnect_SendsAuthAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdate struct {
		Type    string `json:"type"`
		Session struct {
			Voice            string `json:"voice"`
			Instructions     string `json:"instructions"`
			InputAudioFormat string `json:"input_audio_format"`
			Tools            []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}

	authHeader := make(chan string, 1)
	received := make(chan sessionUpdate, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		var msg sessionUpdate
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	cfg := realtime.SessionConfig{
		Voice:        "coral",
		Instructions: "Be brief.",
		Tools:        []realtime.ToolDefinition{{Name: "get_weather"}},
	}
	handle, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case auth := <-authHeader:
		if auth != "Bearer test-api-key" {
			t.Errorf("Authorization = %q; want Bearer test-api-key", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for auth header")
	}

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "coral" {
			t.Errorf("voice = %q; want coral", msg.Session.Voice)
		}
		if msg.Session.Instructions != "Be brief." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.InputAudioFormat != "pcm16" {
			t.Errorf("input_audio_format = %q; want pcm16", msg.Session.InputAudioFormat)
		}
		if len(msg.Session.Tools) != 1 || msg.Session.Tools[0].Name != "get_weather" || msg.Session.Tools[0].Type != "function" {
			t.Errorf("unexpected tools: %+v", msg.Session.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_WaitsForSessionCreated(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad model"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, realtime.SessionConfig{}); err == nil {
		t.Fatal("Connect should fail when the server rejects the session")
	}
}

func TestCapabilities_NoMediaInput(t *testing.T) {
	t.Parallel()
	p := openairt.New("key")
	caps := p.Capabilities()
	if caps.SupportsMediaInput {
		t.Error("SupportsMediaInput should be false for the Realtime API")
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

func TestSendAudio_AppendsToInputBuffer(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	wantPCM := []byte{0x10, 0x20, 0x30}
	if err := handle.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if msg["type"] != "input_audio_buffer.append" {
			t.Errorf("type = %v; want input_audio_buffer.append", msg["type"])
		}
		got, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

func TestSendText_CreatesItemAndResponse(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 2)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for range 2 {
			var msg map[string]any
			readJSON(t, conn, &msg)
			msgs <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendText("hello there"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	var first, second map[string]any
	select {
	case first = <-msgs:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation.item.create")
	}
	select {
	case second = <-msgs:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}

	if first["type"] != "conversation.item.create" {
		t.Errorf("first message type = %v; want conversation.item.create", first["type"])
	}
	if second["type"] != "response.create" {
		t.Errorf("second message type = %v; want response.create", second["type"])
	}
}

func TestSendMedia_NotSupported(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendMedia([]byte{1}, "image/png"); err != realtime.ErrMediaNotSupported {
		t.Fatalf("SendMedia = %v; want ErrMediaNotSupported", err)
	}
}

func TestSendToolResult_CreatesOutputItem(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}

	items := make(chan itemMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg itemMsg
		readJSON(t, conn, &msg)
		items <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	res := realtime.ToolResult{
		ID:      "call-7",
		Name:    "get_weather",
		Payload: map[string]any{"output": "rainy"},
	}
	if err := handle.SendToolResult(res); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	select {
	case msg := <-items:
		if msg.Type != "conversation.item.create" || msg.Item.Type != "function_call_output" {
			t.Errorf("unexpected message: %+v", msg)
		}
		if msg.Item.CallID != "call-7" {
			t.Errorf("call_id = %q; want call-7", msg.Item.CallID)
		}
		if !strings.Contains(msg.Item.Output, "rainy") {
			t.Errorf("output = %q", msg.Item.Output)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for function_call_output item")
	}
}

func TestSendAudio_AfterClose_ReturnsErrSessionClosed(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = handle.Close()

	if err := handle.SendAudio([]byte{1}); err != realtime.ErrSessionClosed {
		t.Fatalf("SendAudio = %v; want ErrSessionClosed", err)
	}
}

// ── Inbound events ─────────────────────────────────────────────────────────────

func TestEvents_AudioDelta(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0x0A, 0x0B, 0x0C}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": encoded})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	evt := nextEvent(t, handle, realtime.EventAudio)
	if string(evt.Audio) != string(wantPCM) {
		t.Errorf("audio = %v; want %v", evt.Audio, wantPCM)
	}
}

func TestEvents_TranscriptDeltasAndTurnComplete(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Sure, "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "one moment."})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "set a timer",
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	first := nextEvent(t, handle, realtime.EventModelTranscript)
	if first.Text != "Sure, " {
		t.Errorf("first delta = %q", first.Text)
	}
	second := nextEvent(t, handle, realtime.EventModelTranscript)
	if second.Text != "one moment." {
		t.Errorf("second delta = %q", second.Text)
	}
	user := nextEvent(t, handle, realtime.EventUserTranscript)
	if user.Text != "set a timer" {
		t.Errorf("user transcript = %q", user.Text)
	}
	nextEvent(t, handle, realtime.EventTurnComplete)
}

func TestEvents_SpeechStartedSignalsInterruption(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	nextEvent(t, handle, realtime.EventInterrupted)
}

func TestEvents_FunctionCall(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call-9",
			"name":      "get_weather",
			"arguments": `{"city":"Oslo"}`,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	evt := nextEvent(t, handle, realtime.EventToolCall)
	if len(evt.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call; got %d", len(evt.ToolCalls))
	}
	call := evt.ToolCalls[0]
	if call.ID != "call-9" || call.Name != "get_weather" {
		t.Errorf("unexpected call: %+v", call)
	}
	var args map[string]any
	if err := json.Unmarshal(call.Args, &args); err != nil {
		t.Fatalf("args unmarshal: %v", err)
	}
	if args["city"] != "Oslo" {
		t.Errorf("args = %v", args)
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestErr_CloseErrorOnServerDisconnect(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusServiceRestart, "maintenance")
	})

	p := newProvider(srv)
	handle, err := p.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	for range handle.Events() {
	}

	got := handle.Err()
	if got == nil {
		t.Fatal("Err() should be non-nil after server disconnect")
	}
	ce, ok := got.(*realtime.CloseError)
	if !ok {
		t.Fatalf("Err() = %T %v; want *realtime.CloseError", got, got)
	}
	if ce.Code != int(websocket.StatusServiceRestart) {
		t.Errorf("close code = %d; want %d", ce.Code, websocket.StatusServiceRestart)
	}
}
