package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxNameLen is the maximum length of a sanitized sandbox name.
const MaxNameLen = 64

// SanitizeName validates a candidate sandbox name: only alphanumerics,
// '-', '_', and at most MaxNameLen characters. An invalid candidate is
// not mutated into something valid — this implementation rejects it, and
// GenerateName is the caller's fallback for generating a replacement
// timestamped id.
func SanitizeName(candidate string) (string, bool) {
	if candidate == "" || len(candidate) > MaxNameLen {
		return "", false
	}
	for _, r := range candidate {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return "", false
		}
	}
	return candidate, true
}

// GenerateName produces a timestamped fallback id for callers that choose
// to replace an invalid or missing name instead of rejecting it outright.
func GenerateName() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("sandbox-%d-%s", time.Now().Unix(), hex.EncodeToString(buf[:]))
}
