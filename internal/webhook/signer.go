// Package webhook delivers event notifications to subscriber callbacks,
// signing payloads and escalating persistent delivery failures.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// SignatureHeader carries the payload HMAC on outbound requests.
const SignatureHeader = "x-hook-signature"

func hashConstructor(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("webhook: unsupported signing algorithm %q", algorithm)
	}
}

// Sign computes the hex HMAC of payload under the subscription's key.
func Sign(payload []byte, key, algorithm string) (string, error) {
	ctor, err := hashConstructor(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(ctor, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches payload, in constant time.
func Verify(payload []byte, key, algorithm, signature string) bool {
	want, err := Sign(payload, key, algorithm)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

// GenerateSigningKey returns a fresh random key sized to the algorithm's
// block size, hex encoded.
func GenerateSigningKey(algorithm string) (string, error) {
	ctor, err := hashConstructor(algorithm)
	if err != nil {
		return "", err
	}
	buf := make([]byte, ctor().BlockSize())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhook: generate signing key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
