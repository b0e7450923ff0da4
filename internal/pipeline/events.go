package pipeline

// Outbound event tags
const (
	EventTypeTranscript = "transcript"
	EventTypeStatus     = "status"
)

// Event is a JSON message sent to the client. Implemented by
// TranscriptEvent and StatusEvent only.
type Event interface {
	EventType() string
}

// TranscriptEvent carries a live caption. Interim events are superseded by
// later ones for the same utterance.
type TranscriptEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Role    string `json:"role"`
}

func (TranscriptEvent) EventType() string { return EventTypeTranscript }

// StatusEvent reports the conversation state. Listening and Speaking are
// never both true.
type StatusEvent struct {
	Type          string `json:"type"`
	Listening     bool   `json:"listening"`
	Speaking      bool   `json:"speaking"`
	AssistantMode bool   `json:"assistant_mode"`
}

func (StatusEvent) EventType() string { return EventTypeStatus }

func userTranscript(text string, final bool) TranscriptEvent {
	return TranscriptEvent{Type: EventTypeTranscript, Text: text, IsFinal: final, Role: "user"}
}

func assistantTranscript(text string, final bool) TranscriptEvent {
	return TranscriptEvent{Type: EventTypeTranscript, Text: text, IsFinal: final, Role: "assistant"}
}

// EventSink is the transport side of a connection
type EventSink interface {
	SendEvent(ev Event) error
	SendAudio(data []byte) error
}
