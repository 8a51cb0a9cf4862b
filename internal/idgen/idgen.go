// Package idgen generates identifiers: short nanoid-backed surrogate row ids
// and W3C-compatible trace/span ids.
package idgen

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet defines the character set used for the random portion of
// surrogate ids.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters in a surrogate id (excluding the
// prefix).
var Length = 12

// Generate returns a new surrogate id with the given prefix, e.g.
// Generate("run_") -> "run_x7KpQ2mWn4Rt".
func Generate(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// TraceID returns 16 random bytes as 32 lowercase hex characters.
func TraceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// SpanID returns 8 random bytes as 16 lowercase hex characters.
func SpanID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// DeterministicSpanID derives a stable span id from a trace id and a seed:
// the first 16 hex characters of SHA1(traceID || seed). Used when a logical
// span must keep its identity across retries.
func DeterministicSpanID(traceID, seed string) string {
	sum := sha1.Sum([]byte(traceID + seed))
	return hex.EncodeToString(sum[:8])
}

// Traceparent formats a W3C traceparent header value for the given ids.
func Traceparent(traceID, spanID string) string {
	return fmt.Sprintf("00-%s-%s-01", traceID, spanID)
}
