package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-pipeline/internal/config"
	"github.com/lexiqai/voice-pipeline/internal/llm"
	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
	"github.com/lexiqai/voice-pipeline/internal/stt"
	"github.com/lexiqai/voice-pipeline/internal/tts"
)

const closeTimeout = 5 * time.Second

// Recognizer is the speech recognition side of a connection
type Recognizer interface {
	Connect(ctx context.Context) error
	SendAudio(chunk []byte)
	Events() <-chan stt.Event
	IsConnected() bool
	Disconnect() error
}

// Synthesizer is the speech synthesis side of a connection
type Synthesizer interface {
	Connect(ctx context.Context) error
	AddText(ctx context.Context, text string) error
	Flush(ctx context.Context) error
	Stop() error
	Disconnect() error
}

// Deps supplies the per-connection adapters. The model is shared; the
// constructors are called once per pipeline.
type Deps struct {
	Model          llm.Client
	NewRecognizer  func() Recognizer
	NewSynthesizer func(sink tts.AudioSink) Synthesizer
}

type turn struct {
	cancel context.CancelFunc
}

// Pipeline runs the conversation for one client connection: audio goes to
// recognition, accepted utterances go to the language model, and the reply
// is captioned and synthesized back to the client.
type Pipeline struct {
	id         string
	config     *config.Config
	model      llm.Client
	recognizer Recognizer
	synth      Synthesizer
	sink       EventSink
	wake       *WakeGate
	echo       EchoDetector
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	running   atomic.Bool
	closeOnce sync.Once

	// mu guards conversation state and serialises event emission
	mu            sync.Mutex
	started       bool
	listening     bool
	speaking      bool
	assistantMode bool
	history       History
	lastSpoken    string
	lastSpokenAt  time.Time
	speakEnd      time.Time
	turn          *turn
}

// New creates the pipeline for connection id. Nothing is connected until Start.
func New(id string, cfg *config.Config, deps Deps, sink EventSink, logger zerolog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		id:     id,
		config: cfg,
		model:  deps.Model,
		sink:   sink,
		wake:   NewWakeGate(cfg.WakeWord, cfg.WakeWordAliases),
		echo: EchoDetector{
			Threshold: cfg.EchoSimilarityThreshold,
			Window:    cfg.EchoWindowDuration(),
		},
		metrics:       observability.NewConnectionMetrics(id),
		logger:        observability.ComponentLogger(logger, "pipeline"),
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		loopDone:      make(chan struct{}),
		assistantMode: cfg.AssistantMode,
	}

	p.recognizer = deps.NewRecognizer()
	p.synth = deps.NewSynthesizer(tts.AudioSinkFunc(p.sendAudio))
	p.metrics.RecordConnectionStart()

	return p
}

// Start connects the adapters, emits the initial status and begins
// consuming recognition events. Recognition is required; synthesis is
// retried lazily on the first reply.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.recognizer.Connect(ctx); err != nil {
		p.metrics.RecordError("connection", "stt")
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	if err := p.synth.Connect(ctx); err != nil {
		p.metrics.RecordError("connection", "tts")
		p.logger.Warn().Err(err).Msg("Synthesis unavailable, will retry on first reply")
	}

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return context.Canceled
	}
	p.started = true
	p.running.Store(true)
	p.emitStatusLocked()
	p.mu.Unlock()

	go p.eventLoop()

	p.logger.Info().
		Str("llm", p.model.Name()).
		Bool("assistant_mode", p.config.AssistantMode).
		Msg("Pipeline ready")
	return nil
}

// ProcessAudio forwards a microphone chunk to recognition. Audio is dropped
// while speaking and during the cooldown after speaking ends.
func (p *Pipeline) ProcessAudio(chunk []byte) {
	if len(chunk) == 0 || !p.running.Load() {
		return
	}

	p.mu.Lock()
	muted := p.speaking || p.now().Sub(p.speakEnd) < p.config.EchoCooldown()
	p.mu.Unlock()
	if muted {
		return
	}

	if !p.recognizer.IsConnected() {
		if err := p.recognizer.Connect(p.ctx); err != nil {
			p.metrics.RecordError("reconnect", "stt")
			p.logger.Debug().Err(err).Msg("Recognition reconnect failed, dropping audio")
			return
		}
		p.logger.Info().Msg("Recognition reconnected")
	}

	p.recognizer.SendAudio(chunk)
	p.metrics.RecordAudioIn(len(chunk))
}

// HandleCommand applies a control message
func (p *Pipeline) HandleCommand(cmd Command) {
	switch cmd.Type {
	case CommandStart:
		p.mu.Lock()
		if !p.speaking {
			p.listening = true
		}
		p.emitStatusLocked()
		p.mu.Unlock()

	case CommandStop:
		p.mu.Lock()
		p.listening = false
		p.emitStatusLocked()
		p.mu.Unlock()

	case CommandInterrupt:
		p.interrupt()

	case CommandAssistantMode:
		p.mu.Lock()
		if cmd.Enabled != nil {
			p.assistantMode = *cmd.Enabled
		} else {
			p.assistantMode = !p.assistantMode
		}
		p.logger.Info().Bool("assistant_mode", p.assistantMode).Msg("Assistant mode changed")
		p.emitStatusLocked()
		p.mu.Unlock()

	default:
		p.logger.Debug().Str("type", string(cmd.Type)).Msg("Ignoring unknown command")
	}
}

func (p *Pipeline) interrupt() {
	p.metrics.RecordInterrupt()

	p.mu.Lock()
	if p.turn != nil {
		p.turn.cancel()
		p.turn = nil
	}
	p.mu.Unlock()

	if err := p.synth.Stop(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to stop synthesis")
	}

	p.mu.Lock()
	if p.turn == nil {
		p.speaking = false
	}
	p.speakEnd = p.now()
	p.emitStatusLocked()
	p.mu.Unlock()

	p.logger.Info().Msg("Interrupted")
}

// ID returns the connection id
func (p *Pipeline) ID() string {
	return p.id
}

// Status returns the current conversation state
func (p *Pipeline) Status() StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

// History returns a copy of the stored conversation
func (p *Pipeline) History() []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Messages()
}

// Close stops all background work and releases both adapters. Waits are
// bounded; calling Close more than once is safe.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.running.Store(false)

		p.mu.Lock()
		if p.turn != nil {
			p.turn.cancel()
			p.turn = nil
		}
		started := p.started
		p.mu.Unlock()
		p.cancel()

		if err := p.recognizer.Disconnect(); err != nil {
			p.logger.Debug().Err(err).Msg("Error disconnecting recognition")
		}
		if err := p.synth.Stop(); err != nil {
			p.logger.Debug().Err(err).Msg("Error stopping synthesis")
		}
		if err := p.synth.Disconnect(); err != nil {
			p.logger.Debug().Err(err).Msg("Error disconnecting synthesis")
		}

		if started && !resilience.WaitTimeout(p.loopDone, closeTimeout) {
			p.logger.Warn().Msg("Pipeline event loop did not stop within timeout")
		}
		p.metrics.RecordConnectionEnd()

		p.mu.Lock()
		turns := p.history.Len()
		p.mu.Unlock()
		p.logger.Info().Int("history", turns).Msg("Pipeline closed")
	})
}

func (p *Pipeline) eventLoop() {
	defer close(p.loopDone)

	events := p.recognizer.Events()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case stt.EventTranscript:
				p.handleTranscript(ev.Text, ev.IsFinal)
			case stt.EventUtteranceEnd:
				p.handleUtteranceEnd(ev.Text)
			}
		}
	}
}

func (p *Pipeline) handleTranscript(text string, final bool) {
	text = p.wake.Normalize(text)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.emitLocked(userTranscript(text, final))
	if !p.listening && !p.speaking {
		p.listening = true
		p.emitStatusLocked()
	}
}

func (p *Pipeline) handleUtteranceEnd(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	text = p.wake.Normalize(text)

	p.mu.Lock()
	reference, spokenAt, assistantMode := p.lastSpoken, p.lastSpokenAt, p.assistantMode
	p.mu.Unlock()

	if echo, reason := p.echo.Check(text, reference, p.now().Sub(spokenAt)); echo {
		p.metrics.RecordUtterance(observability.UtteranceEcho)
		p.logger.Warn().Str("reason", reason).Str("text", text).Msg("Dropping echo of last reply")
		return
	}

	command := text
	if assistantMode {
		ok, cleaned := p.wake.Match(text)
		if !ok {
			p.metrics.RecordUtterance(observability.UtteranceNoWakeWord)
			p.logger.Debug().Str("text", text).Msg("Ignoring utterance without wake word")
			return
		}
		if cleaned == "" {
			p.metrics.RecordUtterance(observability.UtteranceWakeWordOnly)
			p.logger.Info().Msg("Wake word only, waiting for command")
			return
		}
		command = cleaned
		p.logger.Info().Str("command", command).Msg("Wake word detected")
	}

	p.metrics.RecordUtterance(observability.UtteranceAccepted)
	p.respond(command)
}

// respond runs one assistant turn. It blocks the event loop until the reply
// has been spoken, interrupted or abandoned.
func (p *Pipeline) respond(command string) {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	t := &turn{cancel: cancel}
	p.turn = t
	p.history.Append(llm.RoleUser, command)
	window := p.history.Window(p.config.MaxHistoryTurns)
	p.listening = false
	p.speaking = true
	p.emitStatusLocked()
	p.mu.Unlock()

	p.metrics.RecordLLMStart()

	var reply strings.Builder
	first := true
	for fragment := range p.model.StreamResponse(ctx, window) {
		if fragment == "" {
			continue
		}
		p.metrics.RecordLLMFragment()
		reply.WriteString(fragment)

		p.mu.Lock()
		if p.turn == t {
			p.emitLocked(assistantTranscript(reply.String(), false))
		}
		p.mu.Unlock()

		if first {
			p.metrics.RecordTTSStart()
			first = false
		}
		if err := p.synth.AddText(ctx, fragment); err != nil && ctx.Err() == nil {
			p.metrics.RecordError("synthesis", "tts")
			p.logger.Warn().Err(err).Msg("Failed to queue text for synthesis")
		}
	}

	interrupted := ctx.Err() != nil
	p.metrics.RecordLLMEnd(!interrupted)

	final := strings.Join(strings.Fields(reply.String()), " ")

	p.mu.Lock()
	if final != "" {
		p.history.Append(llm.RoleAssistant, final)
		p.lastSpoken = final
		p.lastSpokenAt = p.now()
		if p.turn == t {
			p.emitLocked(assistantTranscript(final, true))
		}
	}
	p.mu.Unlock()

	if !interrupted {
		if err := p.synth.Flush(ctx); err != nil {
			if errors.Is(err, tts.ErrFlushTimeout) {
				p.metrics.RecordFlushTimeout()
				p.logger.Warn().Msg("Reply playback abandoned after flush timeout")
			} else if ctx.Err() == nil {
				p.metrics.RecordError("flush", "tts")
				p.logger.Warn().Err(err).Msg("Failed to flush synthesis")
			}
		}
	}

	p.mu.Lock()
	if p.turn == t {
		p.turn = nil
		p.speaking = false
		p.speakEnd = p.now()
		p.emitStatusLocked()
	}
	p.mu.Unlock()
}

// sendAudio delivers synthesized audio to the client
func (p *Pipeline) sendAudio(data []byte) error {
	if !p.running.Load() {
		return nil
	}
	p.metrics.RecordAudioOut(len(data))
	return p.sink.SendAudio(data)
}

func (p *Pipeline) statusLocked() StatusEvent {
	return StatusEvent{
		Type:          EventTypeStatus,
		Listening:     p.listening,
		Speaking:      p.speaking,
		AssistantMode: p.assistantMode,
	}
}

func (p *Pipeline) emitStatusLocked() {
	p.emitLocked(p.statusLocked())
}

func (p *Pipeline) emitLocked(ev Event) {
	if !p.running.Load() {
		return
	}
	if err := p.sink.SendEvent(ev); err != nil {
		p.logger.Debug().Err(err).Str("event", ev.EventType()).Msg("Failed to send event")
	}
}
