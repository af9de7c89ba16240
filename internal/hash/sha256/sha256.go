// Package sha256 hashes platform ad ids for comparison with reported debug ad ids.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher implements registration.Hasher as a lowercase hex SHA-256 digest.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests data.
func (*Hasher) Hash(data []byte) (string, error) {
	h := sha256.New()
	if _, err := h.Write(data); err != nil {
		return "", fmt.Errorf("sha256 write: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
