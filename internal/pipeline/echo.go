package pipeline

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Transcripts up to this length are never matched by containment
const minSubstringLen = 5

// Echo reasons
const (
	echoSimilar   = "similarity"
	echoSubstring = "substring"
)

// EchoDetector flags transcripts that repeat the assistant's own last reply
type EchoDetector struct {
	Threshold float64
	Window    time.Duration
}

// Check compares transcript with the last spoken reply, age being the time
// since that reply. It returns the reason when the transcript is an echo.
func (d EchoDetector) Check(transcript, reference string, age time.Duration) (bool, string) {
	if reference == "" || age > d.Window {
		return false, ""
	}

	heard := strings.ToLower(strings.TrimSpace(transcript))
	spoken := strings.ToLower(strings.TrimSpace(reference))

	if Similarity(heard, spoken) > d.Threshold {
		return true, echoSimilar
	}
	if len(heard) > minSubstringLen && strings.Contains(spoken, heard) {
		return true, echoSubstring
	}
	return false, ""
}

// Similarity returns 1 - editDistance/maxLen over runes, in [0,1]
func Similarity(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
