package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxErrorMessageLength = 900

func GenerateID() string {
	return uuid.New().String()
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// TruncateError renders err for persistence on an entity.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(err.Error(), MaxErrorMessageLength)
}

// HashParts returns the hex sha256 of the parts joined by a unit separator.
func HashParts(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
