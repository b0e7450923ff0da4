package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

const (
	serviceName = "deepgram"

	// Input audio format accepted on /ws/voice
	inputEncoding   = "linear16"
	inputSampleRate = 16000
	inputChannels   = 1

	keepAliveTick   = time.Second
	teardownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
	eventBuffer     = 64
)

var (
	keepAliveMessage   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMessage = []byte(`{"type":"CloseStream"}`)
)

// DeepgramClient streams PCM audio to Deepgram's live transcription API and
// turns its result messages into caption and utterance-end events.
type DeepgramClient struct {
	config  *config.Config
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker
	dialer  *websocket.Dialer
	events  chan Event

	mu     sync.Mutex // guards conn, cancel and the loop lifecycle
	conn   *websocket.Conn
	cancel context.CancelFunc
	loops  *sync.WaitGroup

	writeMu   sync.Mutex
	connected atomic.Bool
	lastAudio atomic.Int64 // unix nanos of the last audio frame or keepalive

	tracker utteranceTracker
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(cfg *config.Config, logger zerolog.Logger) *DeepgramClient {
	breaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		cfg.CircuitBreakerReset(),
	)
	breaker.OnStateChange(observability.CircuitBreakerHook)

	return &DeepgramClient{
		config:  cfg,
		logger:  observability.ComponentLogger(logger, "stt"),
		breaker: breaker,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:  make(chan Event, eventBuffer),
	}
}

// Events returns the channel of transcript and utterance-end events.
// The channel stays valid across reconnects and is never closed.
func (d *DeepgramClient) Events() <-chan Event {
	return d.events
}

// IsConnected reports whether the upstream socket is believed healthy
func (d *DeepgramClient) IsConnected() bool {
	return d.connected.Load()
}

// listenURL builds the streaming endpoint with transcription options as query parameters
func (d *DeepgramClient) listenURL() (string, error) {
	u, err := url.Parse(d.config.DeepgramURL)
	if err != nil {
		return "", fmt.Errorf("invalid DEEPGRAM_URL: %w", err)
	}

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: strconv.Itoa(d.config.DeepgramUtteranceEndMs),
		VadEvents:      true,
		Encoding:       inputEncoding,
		Channels:       inputChannels,
		SampleRate:     inputSampleRate,
	}

	values := u.Query()
	if err := schema.NewEncoder().Encode(opts, values); err != nil {
		return "", fmt.Errorf("failed to encode transcription options: %w", err)
	}
	values.Set("smart_format", "true")
	values.Set("endpointing", strconv.Itoa(d.config.DeepgramEndpointing))

	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Connect opens a streaming session and starts the receive and keepalive loops.
// Calling Connect on a live session is a no-op; a dropped session is replaced.
func (d *DeepgramClient) Connect(ctx context.Context) error {
	if d.config.DeepgramAPIKey == "" {
		return resilience.NewConnectionError(serviceName, resilience.ErrMissingCredentials)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected.Load() && d.conn != nil {
		return nil
	}
	d.teardownLocked()

	endpoint, err := d.listenURL()
	if err != nil {
		return resilience.NewConnectionError(serviceName, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.config.DeepgramAPIKey)

	var conn *websocket.Conn
	err = d.breaker.Call(func() error {
		c, resp, dialErr := d.dialer.DialContext(ctx, endpoint, header)
		if dialErr != nil {
			if resp != nil {
				return fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, dialErr)
			}
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		state, requests, failures, rate := d.breaker.GetStats()
		d.logger.Warn().Err(err).
			Str("breaker_state", state.String()).
			Int64("dial_attempts", requests).
			Int64("dial_failures", failures).
			Float64("failure_rate", rate).
			Msg("Deepgram connect failed")
		return resilience.NewConnectionError(serviceName, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.conn = conn
	d.cancel = cancel
	d.tracker.reset()
	d.lastAudio.Store(time.Now().UnixNano())
	d.connected.Store(true)

	loops := &sync.WaitGroup{}
	loops.Add(2)
	d.loops = loops
	go d.receiveLoop(loopCtx, conn, loops)
	go d.keepAliveLoop(loopCtx, conn, loops)

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram streaming session opened")
	return nil
}

// SendAudio forwards a PCM chunk. It never fails: when the link is down the
// chunk is dropped and IsConnected turns false.
func (d *DeepgramClient) SendAudio(chunk []byte) {
	if len(chunk) == 0 || !d.connected.Load() {
		return
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}

	if err := d.write(conn, websocket.BinaryMessage, chunk); err != nil {
		d.markDisconnected(err)
		return
	}
	d.lastAudio.Store(time.Now().UnixNano())
}

func (d *DeepgramClient) write(conn *websocket.Conn, messageType int, data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (d *DeepgramClient) markDisconnected(err error) {
	if d.connected.Swap(false) {
		d.logger.Warn().Err(err).Msg("Deepgram connection lost")
	}
}

func (d *DeepgramClient) keepAliveLoop(ctx context.Context, conn *websocket.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	interval := d.config.RecognitionKeepAlive()
	ticker := time.NewTicker(keepAliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !d.connected.Load() {
			return
		}

		idle := time.Since(time.Unix(0, d.lastAudio.Load()))
		if idle < interval {
			continue
		}

		if err := d.write(conn, websocket.TextMessage, keepAliveMessage); err != nil {
			d.markDisconnected(err)
			return
		}
		d.lastAudio.Store(time.Now().UnixNano())
		d.logger.Debug().Msg("Deepgram keepalive sent")
	}
}

// envelope peeks at the message type; UtteranceEnd carries "channel" as an array
type envelope struct {
	Type string `json:"type"`
}

func (d *DeepgramClient) receiveLoop(ctx context.Context, conn *websocket.Conn, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				d.markDisconnected(err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		events, err := d.handleMessage(data)
		if err != nil {
			d.logger.Debug().Err(err).Msg("Ignoring malformed Deepgram message")
			continue
		}

		for _, ev := range events {
			select {
			case d.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleMessage decodes one Deepgram message into zero or more events
func (d *DeepgramClient) handleMessage(data []byte) ([]Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case "Results":
		var msg msginterfaces.MessageResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}

		transcript := ""
		if len(msg.Channel.Alternatives) > 0 {
			transcript = msg.Channel.Alternatives[0].Transcript
		}

		events := d.tracker.results(transcript, msg.IsFinal, msg.SpeechFinal)
		if transcript != "" {
			d.logger.Debug().
				Str("text", transcript).
				Bool("is_final", msg.IsFinal).
				Bool("speech_final", msg.SpeechFinal).
				Msg("Deepgram result")
		}
		return events, nil

	case "UtteranceEnd":
		return d.tracker.utteranceEnd(), nil

	case "SpeechStarted":
		d.tracker.speechStarted()
		return nil, nil

	case "Metadata":
		return nil, nil

	default:
		d.logger.Debug().Str("type", env.Type).Msg("Deepgram: received unknown message type")
		return nil, nil
	}
}

// Disconnect stops the background loops and releases the socket.
// Safe to call repeatedly and on a session that already failed.
func (d *DeepgramClient) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.teardownLocked()
	return nil
}

// teardownLocked closes any current session and waits (bounded) for its loops
func (d *DeepgramClient) teardownLocked() {
	d.connected.Store(false)

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	if d.conn != nil {
		_ = d.write(d.conn, websocket.TextMessage, closeStreamMessage)
		if err := d.conn.Close(); err != nil {
			d.logger.Debug().Err(err).Msg("Error closing Deepgram socket")
		}
		d.conn = nil

		if d.loops != nil && !resilience.WaitGroupTimeout(d.loops, teardownTimeout) {
			d.logger.Warn().Msg("Deepgram loops did not stop within timeout")
		}
		d.loops = nil
		d.logger.Info().Msg("Deepgram streaming session closed")
	}
}
