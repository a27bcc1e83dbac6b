package relay

import "strings"

// minReplyLen is the shortest agent message worth forwarding to the user.
const minReplyLen = 10

// Short acknowledgments the agent emits between steps.
var ackPhrases = map[string]struct{}{
	"ok":         {},
	"sure":       {},
	"yes":        {},
	"understood": {},
	"got it":     {},
	"alright":    {},
}

// Self-introduction and meta chatter not meant for the end user.
// Matching is substring, case-insensitive. Heuristic, not a guarantee.
var boilerplatePhrases = []string{
	"how can i help you",
	"how can i assist you",
	"what would you like me to",
	"let me start by",
	"i'll start by",
	"i will start by",
	"let me know if you need",
	"feel free to ask",
	"i'm ready to help",
}

// IsNoise reports whether an agent message should be suppressed rather
// than relayed. Applied to dispositions that forward agent prose; error
// notices bypass it.
func IsNoise(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if len(trimmed) < minReplyLen {
		return true
	}
	lower := strings.ToLower(strings.TrimRight(trimmed, ".!"))
	if _, ok := ackPhrases[lower]; ok {
		return true
	}
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
