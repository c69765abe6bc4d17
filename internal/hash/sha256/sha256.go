// Package sha256 digests listing IDs that cannot be used verbatim as cache
// directory names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher with hex-encoded SHA-256 digests,
// optionally cut to a fixed number of hex characters.
type Hasher struct {
	size int
}

// New returns a hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher keeping the first size hex characters.
// Sizes outside (0, 64) keep the full digest.
func NewTruncated(size int) *Hasher {
	if size <= 0 || size >= hex.EncodedLen(sha256.Size) {
		return New()
	}
	return &Hasher{size: size}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.size > 0 {
		digest = digest[:h.size]
	}
	return digest, nil
}
