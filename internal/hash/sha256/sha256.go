// Package sha256 provides SHA-256 hashing for archive artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher implements capture.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// HashReader consumes r and returns the hex digest, the algorithm tag, and
// the number of bytes read.
func (h *Hasher) HashReader(r io.Reader) (string, string, int64, error) {
	sum := sha256.New()
	size, err := io.Copy(sum, r)
	if err != nil {
		return "", "", 0, fmt.Errorf("hash artifact: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), "sha256", size, nil
}
