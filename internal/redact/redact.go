// Package redact masks sensitive customer data before conversation text
// leaves the process.
package redact

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-().]{7,}\d`)
	cardPattern  = regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`)
)

// Scrub replaces email addresses, phone numbers, and card-like digit runs
// with fixed placeholders. Pure and total: empty input yields empty output.
func Scrub(text string) string {
	if text == "" {
		return ""
	}
	text = emailPattern.ReplaceAllString(text, "[email]")
	text = cardPattern.ReplaceAllString(text, "[number]")
	text = phonePattern.ReplaceAllString(text, "[number]")
	return text
}
