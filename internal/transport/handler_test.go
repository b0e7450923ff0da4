package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/llm"
	"github.com/lexiqai/voice-pipeline/internal/pipeline"
	"github.com/lexiqai/voice-pipeline/internal/stt"
	"github.com/lexiqai/voice-pipeline/internal/tts"
)

type stubRecognizer struct {
	events     chan stt.Event
	connected  atomic.Bool
	connectErr error

	mu    sync.Mutex
	audio []string
}

func (r *stubRecognizer) Connect(ctx context.Context) error {
	if r.connectErr != nil {
		return r.connectErr
	}
	r.connected.Store(true)
	return nil
}

func (r *stubRecognizer) SendAudio(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, string(chunk))
}

func (r *stubRecognizer) Events() <-chan stt.Event { return r.events }
func (r *stubRecognizer) IsConnected() bool        { return r.connected.Load() }

func (r *stubRecognizer) Disconnect() error {
	r.connected.Store(false)
	return nil
}

func (r *stubRecognizer) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.audio...)
}

// stubSynth turns every text fragment into one audio frame
type stubSynth struct {
	sink tts.AudioSink
}

func (s *stubSynth) Connect(ctx context.Context) error { return nil }
func (s *stubSynth) AddText(ctx context.Context, text string) error {
	return s.sink.SendAudio([]byte("pcm:" + text))
}
func (s *stubSynth) Flush(ctx context.Context) error { return nil }
func (s *stubSynth) Stop() error                     { return nil }
func (s *stubSynth) Disconnect() error               { return nil }

type stubModel struct {
	reply []string
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) StreamResponse(ctx context.Context, history []llm.Message) <-chan string {
	out := make(chan string, len(m.reply))
	for _, fragment := range m.reply {
		out <- fragment
	}
	close(out)
	return out
}

type testServer struct {
	server     *httptest.Server
	manager    *ConnectionManager
	recognizer *stubRecognizer
}

func newTestServer(t *testing.T, recognizer *stubRecognizer) *testServer {
	t.Helper()

	cfg := &config.Config{
		WakeWord:                "garvis",
		AssistantMode:           false,
		EchoSimilarityThreshold: 0.5,
		EchoWindow:              15,
		MaxHistoryTurns:         10,
	}
	model := &stubModel{reply: []string{"It is ", "noon."}}
	manager := NewConnectionManager()

	handler := NewHandler(cfg, model, manager)
	handler.deps = func(logger zerolog.Logger) pipeline.Deps {
		return pipeline.Deps{
			Model:         model,
			NewRecognizer: func() pipeline.Recognizer { return recognizer },
			NewSynthesizer: func(sink tts.AudioSink) pipeline.Synthesizer {
				return &stubSynth{sink: sink}
			},
		}
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{server: server, manager: manager, recognizer: recognizer}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is a decoded server message: either a JSON event or audio bytes
type frame struct {
	event map[string]interface{}
	audio string
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if messageType == websocket.BinaryMessage {
		return frame{audio: string(data)}
	}

	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("Failed to decode event %q: %v", data, err)
	}
	return frame{event: event}
}

func newStubRecognizer() *stubRecognizer {
	return &stubRecognizer{events: make(chan stt.Event, 16)}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_InitialStatus(t *testing.T) {
	srv := newTestServer(t, newStubRecognizer())
	conn := srv.dial(t)

	f := readFrame(t, conn)
	if f.event["type"] != "status" {
		t.Fatalf("Expected status event, got %v", f.event)
	}
	if f.event["listening"] != false || f.event["speaking"] != false {
		t.Errorf("Expected idle status, got %v", f.event)
	}
	if f.event["assistant_mode"] != false {
		t.Errorf("Expected assistant_mode=false, got %v", f.event["assistant_mode"])
	}

	waitFor(t, "registration", func() bool { return srv.manager.Count() == 1 })
}

func TestHandler_ForwardsAudio(t *testing.T) {
	recognizer := newStubRecognizer()
	srv := newTestServer(t, recognizer)
	conn := srv.dial(t)
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("chunk-1")); err != nil {
		t.Fatalf("Failed to send audio: %v", err)
	}
	waitFor(t, "audio to reach recognition", func() bool {
		got := recognizer.received()
		return len(got) == 1 && got[0] == "chunk-1"
	})
}

func TestHandler_Commands(t *testing.T) {
	srv := newTestServer(t, newStubRecognizer())
	conn := srv.dial(t)
	readFrame(t, conn)

	// Dropped without closing the connection
	_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`))

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`))
	f := readFrame(t, conn)
	if f.event["type"] != "status" || f.event["listening"] != true {
		t.Errorf("Expected listening status, got %v", f.event)
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"assistant_mode","enabled":true}`))
	f = readFrame(t, conn)
	if f.event["assistant_mode"] != true {
		t.Errorf("Expected assistant_mode=true, got %v", f.event)
	}
}

func TestHandler_Conversation(t *testing.T) {
	recognizer := newStubRecognizer()
	srv := newTestServer(t, recognizer)
	conn := srv.dial(t)
	readFrame(t, conn)

	recognizer.events <- stt.Event{Kind: stt.EventTranscript, Text: "what time is it", IsFinal: true}
	recognizer.events <- stt.Event{Kind: stt.EventUtteranceEnd, Text: "what time is it"}

	var events []map[string]interface{}
	var audio []string
	for {
		f := readFrame(t, conn)
		if f.event == nil {
			audio = append(audio, f.audio)
			continue
		}
		events = append(events, f.event)
		if f.event["type"] == "status" && f.event["speaking"] == false && len(events) > 2 {
			break
		}
	}

	expected := []string{
		"transcript/user/what time is it",
		"status",
		"status",
		"transcript/assistant/It is",
		"transcript/assistant/It is noon.",
		"transcript/assistant/It is noon.",
		"status",
	}
	if len(events) != len(expected) {
		t.Fatalf("Expected %d events, got %d: %v", len(expected), len(events), events)
	}
	for i, ev := range events {
		got := ev["type"].(string)
		if got == "transcript" {
			got += "/" + ev["role"].(string) + "/" + strings.TrimSpace(ev["text"].(string))
		}
		if got != expected[i] {
			t.Errorf("Event %d: expected %q, got %q", i, expected[i], got)
		}
	}

	if events[5]["is_final"] != true {
		t.Errorf("Expected final assistant transcript, got %v", events[5])
	}
	if events[2]["speaking"] != true || events[2]["listening"] != false {
		t.Errorf("Expected speaking status, got %v", events[2])
	}
	if strings.Join(audio, "|") != "pcm:It is |pcm:noon." {
		t.Errorf("Expected synthesized audio frames, got %v", audio)
	}
}

func TestHandler_StartFailureClosesConnection(t *testing.T) {
	recognizer := newStubRecognizer()
	recognizer.connectErr = errors.New("deepgram unavailable")
	srv := newTestServer(t, recognizer)
	conn := srv.dial(t)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("Expected close 1011, got %v", err)
	}

	waitFor(t, "unregistration", func() bool { return srv.manager.Count() == 0 })
}

func TestHandler_UnregistersOnDisconnect(t *testing.T) {
	srv := newTestServer(t, newStubRecognizer())
	conn := srv.dial(t)
	readFrame(t, conn)

	waitFor(t, "registration", func() bool { return srv.manager.Count() == 1 })
	conn.Close()
	waitFor(t, "unregistration", func() bool { return srv.manager.Count() == 0 })
}

func TestHandler_CloseAllDisconnectsClients(t *testing.T) {
	srv := newTestServer(t, newStubRecognizer())
	conn := srv.dial(t)
	readFrame(t, conn)
	waitFor(t, "registration", func() bool { return srv.manager.Count() == 1 })

	if !srv.manager.CloseAll(time.Second) {
		t.Fatal("Expected sessions to close in time")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the socket to be closed")
	}
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	srv := newTestServer(t, newStubRecognizer())

	resp, err := srv.server.Client().Get(srv.server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	if srv.manager.Count() != 0 {
		t.Errorf("Expected no registered clients, got %d", srv.manager.Count())
	}
}
