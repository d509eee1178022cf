package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomToken returns n bytes of cryptographic randomness, URL-safe
// base64 encoded. Used for session nonces, which must be unguessable and
// are never reissued.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
