package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// SessionKeySize is the number of random bytes in a session secret.
const SessionKeySize = 32

// NewSessionKey mints a fresh session secret: 32 random bytes, URL-safe
// base64 with padding. Endpoints use it directly as their symmetric key.
func NewSessionKey() (string, error) {
	b := make([]byte, SessionKeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
