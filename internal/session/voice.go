package session

import (
	"regexp"
	"strings"
)

// Markdown constructs that read badly when spoken aloud. The chat frame
// keeps the original text; only the TTS input is normalized.
var (
	codeFenceRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`([^`]*)`")
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	emphasisRe   = regexp.MustCompile(`(\*\*|__|\*|_)([^*_]+)(\*\*|__|\*|_)`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletRe     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// normalizeVoiceText strips markdown noise from reply text before
// synthesis: code blocks vanish, links keep their label, emphasis and
// heading markers drop, whitespace collapses.
func normalizeVoiceText(text string) string {
	out := codeFenceRe.ReplaceAllString(text, " ")
	out = inlineCodeRe.ReplaceAllString(out, "$1")
	out = linkRe.ReplaceAllString(out, "$1")
	out = emphasisRe.ReplaceAllString(out, "$2")
	out = headingRe.ReplaceAllString(out, "")
	out = bulletRe.ReplaceAllString(out, "")
	out = spaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
