package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyPrefix prefixes every cache key. Remote stores use it to scope flushes.
const KeyPrefix = "weather_"

// NormalizeKey turns a free-text location into a fixed-width cache key.
// Surrounding whitespace and case are ignored, so "Perth, Australia" and
// "  PERTH, AUSTRALIA  " share a key. The empty string is a valid input.
func NormalizeKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(raw))))
	return KeyPrefix + hex.EncodeToString(sum[:])
}
