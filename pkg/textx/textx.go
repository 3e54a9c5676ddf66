// Package textx provides small text utilities used across the project.
package textx

import (
	"html"
	"regexp"
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

var (
	reScriptStyle = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reLineBreaks  = regexp.MustCompile(`(?i)<(br\s*/?|/p|/div|/li|/tr|/h[1-6])>`)
	reAnyTag      = regexp.MustCompile(`<[^>]*>`)
	reSpaceRuns   = regexp.MustCompile(`[ \t]+`)
	reBlankRuns   = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText produces a plain-text rendering of an HTML fragment: scripts
// and styles drop entirely, block closers become newlines, remaining tags
// are stripped and entities decoded. Good enough for search and previews,
// not a layout engine.
func HTMLToText(s string) string {
	if s == "" {
		return ""
	}
	s = reScriptStyle.ReplaceAllString(s, "")
	s = reLineBreaks.ReplaceAllString(s, "\n")
	s = reAnyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reSpaceRuns.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return SanitizeText(s)
}
