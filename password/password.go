// Package password hashes and verifies user passwords with bcrypt.
//
// This package owns hashing and verification only. Password policy (minimum
// length and so on) is enforced by the users package before anything reaches
// the hasher, and nothing here stores or logs plaintext.
package password

import (
	"errors"
	"fmt"

	// Library for password hashing using bcrypt. Each call picks a fresh random
	// salt, so hashing the same password twice gives two different strings.
	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used in production.
const DefaultCost = 10

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = errors.New("password cannot be empty")

// Hasher performs one-way hashing with a fixed bcrypt cost.
type Hasher struct {
	cost int
}

// NewHasher creates a Hasher. Costs outside bcrypt's accepted range fall back
// to DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of plaintext.
func (h *Hasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		// `fmt.Errorf` with `%w` keeps bcrypt's sentinel (e.g. ErrPasswordTooLong) inspectable.
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plaintext matches hash. The comparison itself is
// constant-time inside bcrypt. An empty hash never matches.
func (h *Hasher) Verify(plaintext, hash string) bool {
	if hash == "" || plaintext == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// Cost reports the work factor this hasher uses.
func (h *Hasher) Cost() int {
	return h.cost
}
