// Package sha256 provides SHA-256 hashing for change detection and error fingerprints.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/JakeFAU/recrawler/internal/crawler"
)

var digits = regexp.MustCompile(`[0-9]+`)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Content hashes a page body after applying the policy's normalization. Normalized mode collapses
// every run of digits to "0" so counters and timestamps do not register as changes.
func (h *Hasher) Content(mode crawler.HashMode, body []byte) (string, error) {
	if mode == crawler.HashNormalized {
		body = digits.ReplaceAll(body, []byte("0"))
	}
	return h.Hash(body)
}

// Fingerprint returns a short stable identifier for an error message.
func Fingerprint(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:8])
}

// Short returns the first n hex characters of the SHA-256 digest of data.
func Short(data []byte, n int) string {
	sum := sha256.Sum256(data)
	full := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(full) {
		return full
	}
	return full[:n]
}
