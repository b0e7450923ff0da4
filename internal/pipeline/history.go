package pipeline

import "github.com/lexiqai/voice-pipeline/internal/llm"

// History is the append-only conversation for one connection
type History struct {
	turns []llm.Message
}

func (h *History) Append(role llm.Role, content string) {
	h.turns = append(h.turns, llm.Message{Role: role, Content: content})
}

func (h *History) Len() int {
	return len(h.turns)
}

// Window returns a copy of the most recent maxTurns exchanges
// (2*maxTurns messages) in original order. Stored history is not modified.
func (h *History) Window(maxTurns int) []llm.Message {
	start := 0
	if limit := maxTurns * 2; maxTurns > 0 && len(h.turns) > limit {
		start = len(h.turns) - limit
	}
	out := make([]llm.Message, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Messages returns a copy of the full history
func (h *History) Messages() []llm.Message {
	return h.Window(0)
}
