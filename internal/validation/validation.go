package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// DefaultMaxLen bounds location names taken from requests.
const DefaultMaxLen = 64

// ValidateLocation trims the input, collapses inner whitespace runs, enforces
// maxLen (in runes, 0 = DefaultMaxLen) and restricts to letters (Unicode),
// digits, space, hyphen, apostrophe, period and parentheses. Returns the
// cleaned name or an error suitable for 400 INVALID_LOCATION responses.
// Matching against the registry is left to the caller.
func ValidateLocation(input string, maxLen int) (string, error) {
	s := strings.Join(strings.Fields(input), " ")
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	if n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', '-', '\'', '.', '(', ')':
		return true
	}
	return false
}
