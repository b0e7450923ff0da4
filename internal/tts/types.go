package tts

import (
	"encoding/json"
	"errors"
)

// ErrFlushTimeout is returned by Flush when playback did not drain in time.
// The utterance is abandoned; the connection stays usable.
var ErrFlushTimeout = errors.New("synthesis flush timed out")

// ErrClosed is returned after Disconnect
var ErrClosed = errors.New("synthesis client is closed")

// AudioSink receives synthesized audio in arrival order
type AudioSink interface {
	SendAudio(data []byte) error
}

// AudioSinkFunc adapts a function to AudioSink
type AudioSinkFunc func(data []byte) error

func (f AudioSinkFunc) SendAudio(data []byte) error {
	return f(data)
}

// VoiceSettings tunes the synthesized voice for a context
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

// GenerationConfig controls how ElevenLabs batches text before generating audio
type GenerationConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

// initMessage opens a context
type initMessage struct {
	ContextID        string           `json:"context_id"`
	Text             string           `json:"text"`
	VoiceSettings    VoiceSettings    `json:"voice_settings"`
	GenerationConfig GenerationConfig `json:"generation_config"`
}

// textMessage appends text to an open context
type textMessage struct {
	ContextID string `json:"context_id"`
	Text      string `json:"text"`
	Flush     bool   `json:"flush,omitempty"`
}

type closeContextMessage struct {
	ContextID    string `json:"context_id"`
	CloseContext bool   `json:"close_context"`
}

type closeSocketMessage struct {
	CloseSocket bool `json:"close_socket"`
}

// serverMessage is any message received from the multi-context socket.
// The service has used both camelCase and snake_case keys.
type serverMessage struct {
	Audio          string          `json:"audio"`
	IsFinal        bool            `json:"isFinal"`
	IsFinalSnake   bool            `json:"is_final"`
	ContextID      string          `json:"contextId"`
	ContextIDSnake string          `json:"context_id"`
	Error          json.RawMessage `json:"error,omitempty"`
}

func (m *serverMessage) contextID() string {
	if m.ContextID != "" {
		return m.ContextID
	}
	return m.ContextIDSnake
}

func (m *serverMessage) final() bool {
	return m.IsFinal || m.IsFinalSnake
}
