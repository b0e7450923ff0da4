package pipeline

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// WakeGate recognises the wake phrase at the start of an utterance and
// rewrites common mis-transcriptions of it.
type WakeGate struct {
	display string
	prefix  *regexp.Regexp
	aliases []*regexp.Regexp
}

// NewWakeGate builds a gate for word. Each alias is replaced by the
// capitalised wake word wherever it appears as a whole word.
func NewWakeGate(word string, aliases []string) *WakeGate {
	word = strings.TrimSpace(word)

	g := &WakeGate{
		display: capitalize(word),
		// optional greeting filler, the wake word, trailing punctuation
		prefix: regexp.MustCompile(`(?i)^(?:(?:hey|hi|ok|okay)[,.]?\s+)?` + regexp.QuoteMeta(word) + `[,.\s!?]*`),
	}
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" || strings.EqualFold(alias, word) {
			continue
		}
		g.aliases = append(g.aliases, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(alias)+`\b`))
	}
	return g
}

// Normalize rewrites aliases of the wake word
func (g *WakeGate) Normalize(text string) string {
	for _, re := range g.aliases {
		text = re.ReplaceAllLiteralString(text, g.display)
	}
	return text
}

// Match reports whether text starts with the wake phrase and returns the
// remaining command with the phrase stripped. The command may be empty.
func (g *WakeGate) Match(text string) (bool, string) {
	loc := g.prefix.FindStringIndex(text)
	if loc == nil {
		return false, text
	}
	return true, strings.TrimSpace(text[loc[1]:])
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
