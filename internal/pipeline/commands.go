package pipeline

// CommandType is the tag of an inbound control message
type CommandType string

const (
	CommandStart         CommandType = "start"
	CommandStop          CommandType = "stop"
	CommandInterrupt     CommandType = "interrupt"
	CommandAssistantMode CommandType = "assistant_mode"
)

// Valid reports whether t is a known command
func (t CommandType) Valid() bool {
	switch t {
	case CommandStart, CommandStop, CommandInterrupt, CommandAssistantMode:
		return true
	}
	return false
}

// Command is a decoded control message. Enabled is only meaningful for
// CommandAssistantMode; nil toggles the current setting.
type Command struct {
	Type    CommandType
	Enabled *bool
}
