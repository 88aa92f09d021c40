// Package fieldmap translates between normalized provider entities and local
// identity fields. Every function here is pure and tolerant of bad input:
// provider data quality is inconsistent, so malformed values are defaulted
// or dropped, never reported as errors.
package fieldmap

import "strings"

// NormalizePhone canonicalizes a phone number to E.164.
//
//	10 digits               -> +1XXXXXXXXXX
//	11 digits starting in 1 -> +1XXXXXXXXXX
//	anything else           -> +<digits>
//
// Input without any digits yields "".
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return ""
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	default:
		return "+" + digits
	}
}

// PhoneDigits returns the national digits of a canonical North American
// number, or all digits otherwise. Some provider search endpoints want the
// bare number.
func PhoneDigits(s string) string {
	p := strings.TrimPrefix(NormalizePhone(s), "+")
	if len(p) == 11 && p[0] == '1' {
		return p[1:]
	}
	return p
}

// NormalizeEmail trims and lowercases an email address. Values without an
// "@" are dropped.
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, "@") {
		return ""
	}
	return s
}
