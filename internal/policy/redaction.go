package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	datePrefix   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	// Function arguments and results name customers in JSON.
	nameField = regexp.MustCompile(`"(name|customer_name)"(\s*:\s*)"[^"]*"`)
)

const minPhoneDigits = 10

// RedactPII masks customer identifying data in text bound for logs and
// clients: emails, card numbers, phone numbers and JSON name fields.
// Appointment dates are left intact.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	apply := func(next string) {
		changed = changed || next != out
		out = next
	}

	apply(emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]"))
	// Cards before phones so long digit runs are not reported as phones.
	apply(cardPattern.ReplaceAllString(out, "[REDACTED_CARD]"))
	apply(phonePattern.ReplaceAllStringFunc(out, func(m string) string {
		if datePrefix.MatchString(strings.TrimPrefix(m, "+")) || countDigits(m) < minPhoneDigits {
			return m
		}
		return "[REDACTED_PHONE]"
	}))
	apply(nameField.ReplaceAllString(out, `"$1"$2"[REDACTED_NAME]"`))
	return out, changed
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
