// Package signing implements the Signing Service of spec.md §2/§4: a pure
// function turning (subscription secret, timestamp, body) into the
// X-Hook0-Signature header value, bit-exact with the wire format in §6.1.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Sign computes "sha256=<hex HMAC-SHA256>" over timestamp || "." || body
// using secret as the HMAC key, per spec.md §6.1.
func Sign(secret [16]byte, timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(FormatTimestamp(timestamp)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for the given inputs and compares it
// against header in constant time. Provided for symmetry with the
// receiver-side verification spec.md §8 requires to be bit-identical; not
// exercised by the dispatch/delivery path itself, which only signs.
func Verify(secret [16]byte, timestamp time.Time, body []byte, header string) bool {
	want := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(header))
}

// FormatTimestamp renders t the way spec.md §6.1 requires for both the
// X-Hook0-Timestamp header and the signed material: ISO-8601 UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// UserAgent renders the User-Agent header value for a given worker version.
func UserAgent(workerVersion string) string {
	return fmt.Sprintf("Hook0/%s", workerVersion)
}
