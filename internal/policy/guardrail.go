package policy

import (
	"regexp"
	"strings"
)

// UtteranceDecision is the guardrail verdict for one caller utterance.
type UtteranceDecision struct {
	Blocked bool
	Reason  string
}

var blockedUtterancePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.*\b(instructions?|rules|prompt)\b`),
	regexp.MustCompile(`(?i)\b(print|show|reveal|read)\b.*\b(system prompt|instructions?|api[_ -]?key|token|password|secret)\b`),
	regexp.MustCompile(`(?i)\b(full|whole|entire)\b.*\bcard number\b.*\b(other|another|someone)\b`),
}

// DecideUtterance screens a committed caller utterance before it reaches the
// model. Blocked utterances get a fixed spoken refusal instead of a turn.
func DecideUtterance(text string) UtteranceDecision {
	in := strings.TrimSpace(text)
	if in == "" {
		return UtteranceDecision{}
	}
	for _, re := range blockedUtterancePatterns {
		if re.MatchString(in) {
			return UtteranceDecision{
				Blocked: true,
				Reason:  "request asks the agent to ignore its instructions or disclose protected data",
			}
		}
	}
	return UtteranceDecision{}
}
