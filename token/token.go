// Package token generates the opaque single-use tokens mailed out for email
// verification.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Size is the number of random bytes in a token. Hex encoding doubles it, so
// every token is 64 characters long.
const Size = 32

// Generate returns a new hex-encoded random token.
func Generate() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
