package relay

import (
	"regexp"
	"strings"
)

var tripleNewline = regexp.MustCompile(`\n{3,}`)

// FormatReply normalizes agent prose for the chat surface: collapses runs
// of blank lines, converts markdown emphasis to WhatsApp delimiters, and
// caps the total length.
func FormatReply(text string, maxChars int) string {
	out := strings.TrimSpace(text)
	out = tripleNewline.ReplaceAllString(out, "\n\n")
	// markdown **bold** / __bold__ -> WhatsApp *bold* / _italic_
	out = strings.ReplaceAll(out, "**", "*")
	out = strings.ReplaceAll(out, "__", "_")
	return Truncate(out, maxChars)
}

// Truncate caps text at maxChars runes, appending an ellipsis marker when
// anything was cut. maxChars <= 0 means unlimited.
func Truncate(text string, maxChars int) string {
	if maxChars <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if maxChars <= 3 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-3]) + "..."
}

// FormatOutputBlock wraps command output in a code fence, capped at
// maxChars with a truncation marker inside the fence.
func FormatOutputBlock(output string, maxChars int) string {
	trimmed := strings.TrimSpace(output)
	if maxChars > 0 {
		runes := []rune(trimmed)
		if len(runes) > maxChars {
			trimmed = string(runes[:maxChars]) + "\n... (truncated)"
		}
	}
	return "📋 Output:\n```\n" + trimmed + "\n```"
}
