package normalizer

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxPromptLines bounds the text sent to the model.
const MaxPromptLines = 450

var (
	isoDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	moneyPattern   = regexp.MustCompile(`\d[\d,]*\.\d{2}\b`)
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	cardPattern    = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
	phonePattern   = regexp.MustCompile(`\+?\b\d(?:[ ().-]{0,2}\d){8,14}\b`)
	addressPattern = regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[A-Za-z0-9.']+\s+){0,4}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|way|court|ct|place|pl)\b\.?`)

	financialPattern  = regexp.MustCompile(`(?i)[$€£¥]|\b(?:usd|eur|gbp|cad|aud|jpy|chf|inr|nzd)\b|subtotal|total|tax|vat|invoice|period|plan|charge|amount|due|billing|\b\d{4}-\d{2}-\d{2}\b`)
	pageMarkerPattern = regexp.MustCompile(`^=== page \d+ ===$`)
)

// Preprocess prepares extracted text for the model: every line is prefixed
// with a [pN:lM] marker, personal data is masked, and long documents are
// trimmed to MaxPromptLines.
func Preprocess(text string) string {
	var lines []string
	for p, page := range strings.Split(text, "\f") {
		lines = append(lines, fmt.Sprintf("=== page %d ===", p+1))
		n := 0
		for _, line := range strings.Split(page, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			n++
			lines = append(lines, fmt.Sprintf("[p%d:l%d] %s", p+1, n, MaskPII(line)))
		}
	}
	return strings.Join(trimLines(lines), "\n")
}

// MaskPII replaces emails, card numbers, phone numbers and street addresses.
// ISO dates and decimal amounts are left intact even though they look like
// digit runs.
func MaskPII(line string) string {
	var kept []string
	protect := func(tok string) string {
		kept = append(kept, tok)
		return placeholder(len(kept) - 1)
	}
	line = isoDatePattern.ReplaceAllStringFunc(line, protect)
	line = moneyPattern.ReplaceAllStringFunc(line, protect)

	line = emailPattern.ReplaceAllString(line, "[EMAIL]")
	line = cardPattern.ReplaceAllString(line, "[CARD]")
	line = phonePattern.ReplaceAllString(line, "[PHONE]")
	line = addressPattern.ReplaceAllString(line, "[ADDRESS]")

	for i, tok := range kept {
		line = strings.Replace(line, placeholder(i), tok, 1)
	}
	return line
}

// placeholder encodes i with letters so the masking patterns, which all
// look for digits, never touch it.
func placeholder(i int) string {
	var b strings.Builder
	b.WriteString("\x00KEEP")
	for {
		b.WriteByte(byte('a' + i%26))
		i /= 26
		if i == 0 {
			break
		}
	}
	b.WriteString("\x00")
	return b.String()
}

func trimLines(lines []string) []string {
	if len(lines) <= MaxPromptLines {
		return lines
	}
	kept := make([]string, 0, MaxPromptLines)
	for _, line := range lines {
		if pageMarkerPattern.MatchString(line) || financialPattern.MatchString(line) {
			kept = append(kept, line)
		}
	}
	if len(kept) > MaxPromptLines {
		kept = kept[:MaxPromptLines]
	}
	return kept
}
