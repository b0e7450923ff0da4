package stt

// EventKind distinguishes caption updates from end-of-utterance notifications
type EventKind int

const (
	// EventTranscript carries live caption text (interim or accumulated final)
	EventTranscript EventKind = iota

	// EventUtteranceEnd fires exactly once per utterance with the finalized text
	EventUtteranceEnd
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventUtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// Event is produced by the recognizer for the pipeline to consume
type Event struct {
	Kind EventKind

	// Text is the interim transcript as-is, or the running accumulator for
	// final segments. For EventUtteranceEnd it is the whole utterance.
	Text string

	// IsFinal is set when the segment is stable (EventTranscript only)
	IsFinal bool
}

// utteranceTracker folds Deepgram result messages into caption and
// utterance-end events. Not safe for concurrent use; owned by the receive loop.
type utteranceTracker struct {
	accumulated string
	fired       bool
}

// results handles a Results message
func (u *utteranceTracker) results(transcript string, isFinal, speechFinal bool) []Event {
	var events []Event

	if transcript != "" {
		display := transcript
		if isFinal {
			if u.accumulated != "" {
				u.accumulated += " " + transcript
			} else {
				u.accumulated = transcript
			}
			display = u.accumulated
		}
		events = append(events, Event{Kind: EventTranscript, Text: display, IsFinal: isFinal})
	}

	if speechFinal && !u.fired {
		final := u.accumulated
		if final == "" {
			final = transcript
		}
		if final != "" {
			u.fired = true
			u.accumulated = ""
			events = append(events, Event{Kind: EventUtteranceEnd, Text: final})
		}
	}

	return events
}

// utteranceEnd handles an UtteranceEnd message
func (u *utteranceTracker) utteranceEnd() []Event {
	var events []Event
	if u.accumulated != "" && !u.fired {
		events = append(events, Event{Kind: EventUtteranceEnd, Text: u.accumulated})
		u.accumulated = ""
	}
	u.fired = false
	return events
}

// speechStarted handles a SpeechStarted message
func (u *utteranceTracker) speechStarted() {
	u.fired = false
}

func (u *utteranceTracker) reset() {
	u.accumulated = ""
	u.fired = false
}
