package sender

import (
	"fmt"
	"strings"
)

// RecipientPolicy normalizes free-form phone numbers into international
// digits-only form.
type RecipientPolicy struct {
	// DefaultCountryCode is prefixed to national numbers. Empty disables
	// insertion.
	DefaultCountryCode string
	// LocalLength is the longest number still treated as national.
	LocalLength int
	MinLength   int
}

func (p RecipientPolicy) Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "0") && p.DefaultCountryCode != "":
		digits = p.DefaultCountryCode + digits[1:]
	case p.DefaultCountryCode != "" && !strings.HasPrefix(strings.TrimSpace(raw), "+") &&
		len(digits) > 0 && len(digits) <= p.localLength():
		digits = p.DefaultCountryCode + digits
	}

	min := p.MinLength
	if min <= 0 {
		min = 10
	}
	if len(digits) < min || len(digits) > 15 {
		return "", &Error{Code: CodeInvalidRecipient, Detail: fmt.Sprintf("%q has %d digits", raw, len(digits))}
	}
	return digits, nil
}

func (p RecipientPolicy) localLength() int {
	if p.LocalLength <= 0 {
		return 10
	}
	return p.LocalLength
}
