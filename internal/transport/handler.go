package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/llm"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/pipeline"
	"github.com/lexiqai/voice-pipeline/internal/stt"
	"github.com/lexiqai/voice-pipeline/internal/tts"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	startTimeout   = 15 * time.Second
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	// Browser and device clients connect from arbitrary origins
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler serves /ws/voice: one pipeline per websocket connection
type Handler struct {
	config  *config.Config
	manager *ConnectionManager
	deps    func(logger zerolog.Logger) pipeline.Deps
}

// NewHandler creates the voice websocket handler. The model is shared by all connections.
func NewHandler(cfg *config.Config, model llm.Client, manager *ConnectionManager) *Handler {
	return &Handler{
		config:  cfg,
		manager: manager,
		deps: func(logger zerolog.Logger) pipeline.Deps {
			return pipeline.Deps{
				Model: model,
				NewRecognizer: func() pipeline.Recognizer {
					return stt.NewDeepgramClient(cfg, logger)
				},
				NewSynthesizer: func(sink tts.AudioSink) pipeline.Synthesizer {
					return tts.NewElevenLabsClient(cfg, sink, logger)
				},
			}
		},
	}
}

// wsSink serialises writes to the client socket
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) SendEvent(ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *wsSink) SendAudio(data []byte) error {
	return s.write(websocket.BinaryMessage, data)
}

func (s *wsSink) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsSink) ping() error {
	return s.write(websocket.PingMessage, nil)
}

// connection ties a pipeline to its socket so the manager can close both
type connection struct {
	pipeline *pipeline.Pipeline
	conn     *websocket.Conn
}

func (c *connection) ID() string {
	return c.pipeline.ID()
}

func (c *connection) Close() {
	c.pipeline.Close()
	_ = c.conn.Close()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := observability.GetLogger()
		logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	id := uuid.NewString()
	logger := observability.ConnectionLogger(id)
	log := observability.ComponentLogger(logger, "transport")

	sink := &wsSink{conn: conn}
	p := pipeline.New(id, h.config, h.deps(logger), sink, logger)
	session := &connection{pipeline: p, conn: conn}

	count := h.manager.Register(session)
	log.Info().Int("clients", count).Str("remote", r.RemoteAddr).Msg("Client connected")

	defer func() {
		session.Close()
		count := h.manager.Unregister(id)
		log.Info().Int("clients", count).Msg("Client disconnected")
	}()

	ctx, cancel := context.WithTimeout(r.Context(), startTimeout)
	err = p.Start(ctx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to start pipeline")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "pipeline unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}

	done := make(chan struct{})
	defer close(done)
	go keepAlive(sink, done)

	h.readLoop(conn, p, log)
}

// keepAlive pings the client so dead peers are noticed by the read deadline
func keepAlive(sink *wsSink, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, p *pipeline.Pipeline, log zerolog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			p.ProcessAudio(data)

		case websocket.TextMessage:
			cmd, err := DecodeCommand(data)
			if err != nil {
				log.Debug().Err(err).Msg("Dropping control message")
				continue
			}
			p.HandleCommand(cmd)
		}
	}
}
