package validation

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Default length bounds for a location query, in runes after trimming.
const (
	DefaultMinLength = 2
	DefaultMaxLength = 255
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ValidateLocation trims the input and enforces length bounds (minLen, maxLen in runes).
// A non-positive bound disables that check. Returns the trimmed string. Content is
// not restricted: the provider geocodes free text itself.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	return s, nil
}
