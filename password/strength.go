package password

import (
	"strings"
	"unicode"
)

const (
	minLength = 12
	// 4 or more sequential or identical characters in a row is rejected.
	maxRunLength = 4
)

// commonPasswords is a denylist of passwords seen in breach corpora.
// Matched case-insensitively against the whole input.
var commonPasswords = map[string]struct{}{
	"password":        {},
	"password1":       {},
	"password123":     {},
	"password123!":    {},
	"p@ssw0rd":        {},
	"p@ssword123":     {},
	"qwertyuiop":      {},
	"qwerty123456":    {},
	"letmein12345":    {},
	"iloveyou1234":    {},
	"welcome12345":    {},
	"admin1234567":    {},
	"administrator":   {},
	"changeme12345":   {},
	"trustno1again":   {},
	"sunshine12345":   {},
	"monkey1234567":   {},
	"dragon1234567":   {},
	"master1234567":   {},
	"football12345":   {},
	"superman12345":   {},
	"1q2w3e4r5t6y":    {},
	"zaq12wsxcde3":    {},
	"correcthorse":    {},
	"summer2024!!":    {},
	"winter2024!!":    {},
	"spring2024!!":    {},
	"autumn2024!!":    {},
	"password2024":    {},
	"welcome@12345":   {},
	"qwerty@123456":   {},
	"abc123def456":    {},
	"secretpassword":  {},
	"mypassword123":   {},
	"defaultpassword": {},
}

// ValidateStrength checks password against the strength policy: minimum
// length 12, at least one upper, lower, digit, and special character, not in
// the common-password denylist, and no run of 4+ sequential or repeated
// characters. It is pure and performs no I/O, so callers run it before
// touching any store.
func ValidateStrength(password string) (bool, string) {
	if len(password) < minLength {
		return false, "password must be at least 12 characters"
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	switch {
	case !hasUpper:
		return false, "password must contain an uppercase letter"
	case !hasLower:
		return false, "password must contain a lowercase letter"
	case !hasDigit:
		return false, "password must contain a digit"
	case !hasSpecial:
		return false, "password must contain a special character"
	}

	if _, denied := commonPasswords[strings.ToLower(password)]; denied {
		return false, "password is too common"
	}

	if hasRun(password) {
		return false, "password must not contain sequential or repeated character runs"
	}

	return true, ""
}

// hasRun reports whether password contains maxRunLength characters in a row
// that are identical, ascending by one, or descending by one ("aaaa",
// "abcd", "9876").
func hasRun(password string) bool {
	runes := []rune(strings.ToLower(password))
	if len(runes) < maxRunLength {
		return false
	}

	same, up, down := 1, 1, 1
	for i := 1; i < len(runes); i++ {
		switch runes[i] {
		case runes[i-1]:
			same, up, down = same+1, 1, 1
		case runes[i-1] + 1:
			up, same, down = up+1, 1, 1
		case runes[i-1] - 1:
			down, same, up = down+1, 1, 1
		default:
			same, up, down = 1, 1, 1
		}
		if same >= maxRunLength || up >= maxRunLength || down >= maxRunLength {
			return true
		}
	}
	return false
}
