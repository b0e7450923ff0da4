package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/audio"
	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

const (
	serviceName = "elevenlabs"

	maxMessageSize  = 16 * 1024 * 1024
	writeTimeout    = 5 * time.Second
	teardownTimeout = 5 * time.Second
	stopTimeout     = time.Second
)

var chunkLengthSchedule = []int{50, 120, 200, 260}

// ElevenLabsClient streams text to ElevenLabs' multi-context websocket and
// plays the returned audio through an AudioSink. One context is open per
// utterance; audio for any other context is discarded.
type ElevenLabsClient struct {
	config  *config.Config
	sink    AudioSink
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker
	dialer  *websocket.Dialer
	buffer  *audio.Buffer
	loops   sync.WaitGroup

	// mu guards everything below and serialises socket writes
	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	cancel     context.CancelFunc
	contextID  string
	speaking   bool
	firstChunk bool
	pending    string
	completed  map[string]struct{}
	playback   *playbackTask
	lastSend   time.Time
}

// NewElevenLabsClient creates a synthesis client that writes audio to sink
func NewElevenLabsClient(cfg *config.Config, sink AudioSink, logger zerolog.Logger) *ElevenLabsClient {
	breaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		cfg.CircuitBreakerReset(),
	)
	breaker.OnStateChange(observability.CircuitBreakerHook)

	return &ElevenLabsClient{
		config:    cfg,
		sink:      sink,
		logger:    observability.ComponentLogger(logger, "tts"),
		breaker:   breaker,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		buffer:    audio.NewBuffer(cfg.TTSPrebufferBytes),
		completed: make(map[string]struct{}),
	}
}

func newContextID() string {
	return "ctx_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (c *ElevenLabsClient) streamURL() (string, error) {
	base := strings.TrimRight(c.config.ElevenLabsURL, "/")
	u, err := url.Parse(base + "/" + url.PathEscape(c.config.ElevenLabsVoiceID) + "/multi-stream-input")
	if err != nil {
		return "", fmt.Errorf("invalid ELEVENLABS_URL: %w", err)
	}

	q := u.Query()
	q.Set("model_id", c.config.ElevenLabsModelID)
	q.Set("output_format", c.config.ElevenLabsOutputFormat)
	q.Set("inactivity_timeout", strconv.Itoa(c.config.ElevenLabsInactivityTimeout))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Connect opens the synthesis socket. A live connection is reused.
func (c *ElevenLabsClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *ElevenLabsClient) connectLocked(ctx context.Context) error {
	if c.config.ElevenLabsAPIKey == "" {
		return resilience.NewConnectionError(serviceName, resilience.ErrMissingCredentials)
	}
	if c.closed {
		return ErrClosed
	}
	if c.connected && c.conn != nil {
		return nil
	}
	c.releaseSessionLocked()

	endpoint, err := c.streamURL()
	if err != nil {
		return resilience.NewConnectionError(serviceName, err)
	}

	header := http.Header{}
	header.Set("xi-api-key", c.config.ElevenLabsAPIKey)

	var conn *websocket.Conn
	err = c.breaker.Call(func() error {
		ws, resp, dialErr := c.dialer.DialContext(ctx, endpoint, header)
		if dialErr != nil {
			if resp != nil {
				return fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, dialErr)
			}
			return dialErr
		}
		conn = ws
		return nil
	})
	if err != nil {
		state, requests, failures, rate := c.breaker.GetStats()
		c.logger.Warn().Err(err).
			Str("breaker_state", state.String()).
			Int64("dial_attempts", requests).
			Int64("dial_failures", failures).
			Float64("failure_rate", rate).
			Msg("ElevenLabs connect failed")
		return resilience.NewConnectionError(serviceName, err)
	}

	conn.SetReadLimit(maxMessageSize)

	sessionCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.connected = true
	c.lastSend = time.Now()

	c.loops.Add(2)
	go c.receiveLoop(conn)
	go c.keepAliveLoop(sessionCtx, conn)

	c.logger.Info().
		Str("voice_id", c.config.ElevenLabsVoiceID).
		Str("model_id", c.config.ElevenLabsModelID).
		Msg("ElevenLabs connected")
	return nil
}

// releaseSessionLocked drops the current socket without waiting for its loops.
// Stale loops notice that c.conn changed and exit.
func (c *ElevenLabsClient) releaseSessionLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// markDisconnectedLocked handles a failed socket: any utterance in flight is
// finished with whatever audio already arrived.
func (c *ElevenLabsClient) markDisconnectedLocked(err error) {
	if c.connected {
		c.logger.Warn().Err(err).Msg("ElevenLabs connection lost")
	}
	c.releaseSessionLocked()
	if c.speaking {
		c.buffer.MarkFinished()
	}
}

func (c *ElevenLabsClient) sendLocked(v interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("%s: not connected", serviceName)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return err
	}
	c.lastSend = time.Now()
	return nil
}

// AddText appends a fragment to the open context, opening one if needed.
// Pending text is sent once it reaches the size threshold.
func (c *ElevenLabsClient) AddText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if !c.connected || c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return err
		}
	}

	if !c.speaking {
		if err := c.openContextLocked(ctx); err != nil {
			return err
		}
	}

	c.pending += text

	threshold := c.config.TTSMinTextChars
	if c.firstChunk {
		threshold = c.config.TTSMinTextCharsFirst
	}
	if len(c.pending) >= threshold {
		flush := c.firstChunk
		c.firstChunk = false
		return c.sendPendingLocked(flush)
	}
	return nil
}

func (c *ElevenLabsClient) openContextLocked(ctx context.Context) error {
	c.speaking = true
	c.firstChunk = true
	c.pending = ""
	c.buffer.Reset()
	c.contextID = newContextID()

	open := initMessage{
		ContextID: c.contextID,
		Text:      " ",
		VoiceSettings: VoiceSettings{
			Stability:       c.config.TTSVoiceStability,
			SimilarityBoost: c.config.TTSVoiceSimilarityBoost,
			Speed:           c.config.TTSVoiceSpeed,
		},
		GenerationConfig: GenerationConfig{ChunkLengthSchedule: chunkLengthSchedule},
	}

	if err := c.sendLocked(open); err != nil {
		// one reconnect, then give up on this utterance
		c.markDisconnectedLocked(err)
		if err = c.connectLocked(ctx); err == nil {
			err = c.sendLocked(open)
		}
		if err != nil {
			c.speaking = false
			c.contextID = ""
			return fmt.Errorf("failed to open synthesis context: %w", err)
		}
	}

	c.playback = c.startPlayback()

	c.logger.Debug().Str("context_id", c.contextID).Msg("Synthesis context opened")
	return nil
}

func (c *ElevenLabsClient) sendPendingLocked(flush bool) error {
	if c.pending == "" || c.contextID == "" {
		return nil
	}

	text := c.pending
	c.pending = ""

	if err := c.sendLocked(textMessage{ContextID: c.contextID, Text: text, Flush: flush}); err != nil {
		c.markDisconnectedLocked(err)
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}

// Flush sends any pending text, closes the context and waits for playback to
// drain. On timeout playback is cancelled and ErrFlushTimeout returned.
func (c *ElevenLabsClient) Flush(ctx context.Context) error {
	c.mu.Lock()
	if !c.speaking {
		c.mu.Unlock()
		return nil
	}

	id := c.contextID
	if err := c.sendPendingLocked(true); err != nil {
		c.logger.Warn().Err(err).Str("context_id", id).Msg("Failed to flush pending text")
	}
	if c.conn != nil {
		if err := c.sendLocked(closeContextMessage{ContextID: id, CloseContext: true}); err != nil {
			c.markDisconnectedLocked(err)
		}
	}
	// Stop may cancel this task while we wait
	pb := c.playback
	c.mu.Unlock()

	var err error
	if pb != nil {
		timer := time.NewTimer(c.config.FlushTimeout())
		select {
		case <-pb.done:
		case <-timer.C:
			err = ErrFlushTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}
		timer.Stop()

		if err != nil {
			pb.stop(stopTimeout)
		}
	}

	c.mu.Lock()
	if c.playback == pb {
		c.playback = nil
	}
	if c.contextID == id {
		c.completed[id] = struct{}{}
		c.contextID = ""
		c.speaking = false
	}
	c.mu.Unlock()

	if err == ErrFlushTimeout {
		c.logger.Warn().Str("context_id", id).Msg("Playback did not drain before flush timeout")
	}
	return err
}

// Stop interrupts the current utterance: playback is cancelled and the
// context closed on the service.
func (c *ElevenLabsClient) Stop() error {
	c.mu.Lock()
	id := c.contextID
	if id != "" {
		if c.conn != nil {
			if err := c.sendLocked(closeContextMessage{ContextID: id, CloseContext: true}); err != nil {
				c.markDisconnectedLocked(err)
			}
		}
		c.completed[id] = struct{}{}
	}

	pb := c.playback
	c.playback = nil
	if pb != nil {
		pb.cancel()
	}
	c.buffer.MarkFinished()
	c.pending = ""
	c.speaking = false
	c.contextID = ""
	c.mu.Unlock()

	if pb != nil {
		pb.stop(stopTimeout)
	}

	c.mu.Lock()
	if c.contextID == "" {
		c.buffer.Reset()
	}
	c.mu.Unlock()

	if id != "" {
		c.logger.Info().Str("context_id", id).Msg("Synthesis stopped")
	}
	return nil
}

// Disconnect releases the socket and waits (bounded) for all background work.
// Safe to call more than once.
func (c *ElevenLabsClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	if c.conn != nil {
		if err := c.sendLocked(closeSocketMessage{CloseSocket: true}); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to send close_socket")
		}
	}
	c.releaseSessionLocked()

	pb := c.playback
	c.playback = nil
	c.speaking = false
	c.contextID = ""
	c.pending = ""
	c.completed = make(map[string]struct{})
	c.mu.Unlock()

	if pb != nil {
		pb.stop(stopTimeout)
	}
	if !resilience.WaitGroupTimeout(&c.loops, teardownTimeout) {
		c.logger.Warn().Msg("ElevenLabs loops did not stop within timeout")
	}
	c.buffer.Reset()

	c.logger.Info().Msg("ElevenLabs disconnected")
	return nil
}

func (c *ElevenLabsClient) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.loops.Done()

	interval := c.config.SynthesisKeepAlive()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		if c.contextID != "" && time.Since(c.lastSend) >= interval {
			if err := c.sendLocked(textMessage{ContextID: c.contextID, Text: " "}); err != nil {
				c.markDisconnectedLocked(err)
				c.mu.Unlock()
				return
			}
			c.logger.Debug().Str("context_id", c.contextID).Msg("ElevenLabs keepalive sent")
		}
		c.mu.Unlock()
	}
}

func (c *ElevenLabsClient) receiveLoop(conn *websocket.Conn) {
	defer c.loops.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.markDisconnectedLocked(err)
			}
			c.mu.Unlock()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed ElevenLabs message")
			continue
		}

		var chunk []byte
		if msg.Audio != "" {
			chunk, err = base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Ignoring undecodable audio")
				continue
			}
		}

		c.handleMessage(conn, &msg, chunk)
	}
}

func (c *ElevenLabsClient) handleMessage(conn *websocket.Conn, msg *serverMessage, chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}

	id := msg.contextID()
	if _, done := c.completed[id]; done {
		return
	}
	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		c.logger.Error().RawJSON("error", msg.Error).Str("context_id", id).Msg("ElevenLabs error")
		return
	}
	if id == "" || id != c.contextID {
		return
	}

	c.buffer.Add(chunk)
	if msg.final() {
		c.buffer.MarkFinished()
		c.completed[id] = struct{}{}
	}
}
