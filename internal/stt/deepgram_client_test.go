package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

// fakeDeepgram is a minimal live-transcription server
type fakeDeepgram struct {
	server *httptest.Server

	mu       sync.Mutex
	query    map[string]string
	auth     string
	audio    [][]byte
	text     []string
	conn     *websocket.Conn
	upgraded chan struct{}
}

func newFakeDeepgram(t *testing.T) *fakeDeepgram {
	t.Helper()

	f := &fakeDeepgram{upgraded: make(chan struct{}, 1)}
	upgrader := websocket.Upgrader{}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		f.mu.Lock()
		f.query = map[string]string{}
		for k := range r.URL.Query() {
			f.query[k] = r.URL.Query().Get(k)
		}
		f.auth = r.Header.Get("Authorization")
		f.conn = conn
		f.mu.Unlock()
		f.upgraded <- struct{}{}

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			if mt == websocket.BinaryMessage {
				f.audio = append(f.audio, data)
			} else {
				f.text = append(f.text, string(data))
			}
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeDeepgram) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeDeepgram) send(t *testing.T, msg string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("fake server write failed: %v", err)
	}
}

func (f *fakeDeepgram) textMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.text...)
}

func testConfig(url string) *config.Config {
	return &config.Config{
		DeepgramAPIKey:             "dg-key",
		DeepgramURL:                url,
		DeepgramModel:              "nova-2",
		DeepgramLanguage:           "en-US",
		DeepgramEndpointing:        500,
		DeepgramUtteranceEndMs:     1200,
		DeepgramKeepAliveInterval:  5,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
}

func connectClient(t *testing.T, f *fakeDeepgram, cfg *config.Config) *DeepgramClient {
	t.Helper()

	client := NewDeepgramClient(cfg, zerolog.Nop())
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })

	select {
	case <-f.upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never saw the connection")
	}
	return client
}

func nextEvent(t *testing.T, client *DeepgramClient) Event {
	t.Helper()
	select {
	case ev := <-client.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func results(transcript string, isFinal, speechFinal bool) string {
	b := func(v bool) string {
		if v {
			return "true"
		}
		return "false"
	}
	return `{"type":"Results","channel":{"alternatives":[{"transcript":"` + transcript +
		`","confidence":0.9}]},"is_final":` + b(isFinal) + `,"speech_final":` + b(speechFinal) + `}`
}

func TestDeepgramClient_ConnectMissingKey(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.DeepgramAPIKey = ""

	err := NewDeepgramClient(cfg, zerolog.Nop()).Connect(context.Background())
	if !resilience.IsConnectionError(err) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if !errors.Is(err, resilience.ErrMissingCredentials) {
		t.Errorf("Expected ErrMissingCredentials, got %v", err)
	}
}

func TestDeepgramClient_ConnectRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewDeepgramClient(testConfig("ws"+strings.TrimPrefix(server.URL, "http")), zerolog.Nop())
	err := client.Connect(context.Background())
	if !resilience.IsConnectionError(err) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if client.IsConnected() {
		t.Error("Expected client not to be connected after rejected handshake")
	}
}

func TestDeepgramClient_HandshakeParameters(t *testing.T) {
	f := newFakeDeepgram(t)
	connectClient(t, f, testConfig(f.url()))

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.auth != "Token dg-key" {
		t.Errorf("Expected 'Token dg-key' authorization, got '%s'", f.auth)
	}

	expected := map[string]string{
		"model":            "nova-2",
		"language":         "en-US",
		"encoding":         "linear16",
		"sample_rate":      "16000",
		"channels":         "1",
		"interim_results":  "true",
		"vad_events":       "true",
		"utterance_end_ms": "1200",
		"smart_format":     "true",
		"endpointing":      "500",
	}
	for k, v := range expected {
		if f.query[k] != v {
			t.Errorf("Expected query %s=%s, got '%s'", k, v, f.query[k])
		}
	}
}

func TestDeepgramClient_SpeechFinalFlow(t *testing.T) {
	f := newFakeDeepgram(t)
	client := connectClient(t, f, testConfig(f.url()))

	f.send(t, results("garvis turn", false, false))
	f.send(t, results("garvis turn on", true, false))
	f.send(t, results("the lights", true, true))
	f.send(t, `{"type":"UtteranceEnd","channel":[0,1],"last_word_end":2.1}`)

	expected := []Event{
		{Kind: EventTranscript, Text: "garvis turn", IsFinal: false},
		{Kind: EventTranscript, Text: "garvis turn on", IsFinal: true},
		{Kind: EventTranscript, Text: "garvis turn on the lights", IsFinal: true},
		{Kind: EventUtteranceEnd, Text: "garvis turn on the lights"},
	}
	for i, want := range expected {
		got := nextEvent(t, client)
		if got != want {
			t.Errorf("Event %d: expected %+v, got %+v", i, want, got)
		}
	}

	// UtteranceEnd after speech_final must not fire a second notification
	select {
	case ev := <-client.Events():
		t.Errorf("Expected no further events, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeepgramClient_AudioAndClose(t *testing.T) {
	f := newFakeDeepgram(t)
	client := connectClient(t, f, testConfig(f.url()))

	client.SendAudio([]byte{1, 2, 3, 4})
	client.SendAudio(nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.audio)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 audio frame at fake server, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("Expected clean disconnect, got %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("Expected second disconnect to be a no-op, got %v", err)
	}
	if client.IsConnected() {
		t.Error("Expected client to be disconnected")
	}

	// Dropped silently once disconnected
	client.SendAudio([]byte{5, 6})
}

func TestDeepgramClient_DropDetected(t *testing.T) {
	f := newFakeDeepgram(t)
	client := connectClient(t, f, testConfig(f.url()))

	f.mu.Lock()
	f.conn.Close()
	f.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("Expected client to notice the dropped socket")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Must not panic or block
	client.SendAudio([]byte{1, 2})
}

func TestDeepgramClient_KeepAlive(t *testing.T) {
	f := newFakeDeepgram(t)
	cfg := testConfig(f.url())
	cfg.DeepgramKeepAliveInterval = 1
	connectClient(t, f, cfg)

	deadline := time.Now().Add(3 * time.Second)
	for {
		for _, msg := range f.textMessages() {
			if msg == `{"type":"KeepAlive"}` {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected a KeepAlive message while idle")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestDeepgramClient_MalformedMessagesIgnored(t *testing.T) {
	f := newFakeDeepgram(t)
	client := connectClient(t, f, testConfig(f.url()))

	f.send(t, `not json`)
	f.send(t, `{"type":"Metadata","request_id":"abc"}`)
	f.send(t, results("hello", true, true))

	if ev := nextEvent(t, client); ev.Text != "hello" || !ev.IsFinal {
		t.Errorf("Expected final 'hello' transcript, got %+v", ev)
	}
	if ev := nextEvent(t, client); ev.Kind != EventUtteranceEnd {
		t.Errorf("Expected utterance end, got %+v", ev)
	}
}
