package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexiqai/voice-pipeline/internal/pipeline"
)

// ErrUnknownCommand is returned for control messages with an unrecognised type
var ErrUnknownCommand = errors.New("unknown command")

// controlMessage is an inbound text frame
type controlMessage struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// DecodeCommand parses a control frame
func DecodeCommand(data []byte) (pipeline.Command, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return pipeline.Command{}, fmt.Errorf("invalid control message: %w", err)
	}

	cmd := pipeline.Command{Type: pipeline.CommandType(msg.Type)}
	if !cmd.Type.Valid() {
		return pipeline.Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Type)
	}
	if cmd.Type == pipeline.CommandAssistantMode {
		cmd.Enabled = msg.Enabled
	}
	return cmd, nil
}
