package sanitize

import (
	"strings"
	"unicode"
)

// Line sanitizes an externally supplied single-line string by removing
// control characters and limiting the length. Webhook event types and
// command previews pass through here before they are persisted or
// logged.
func Line(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
