// Package password hashes and verifies account passwords with bcrypt.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used in production.
const DefaultCost = 12

// MaxLength is the number of bytes bcrypt actually reads.
const MaxLength = 72

var ErrHashFailed = errors.New("password hashing failed")

type Hasher struct {
	cost      int
	dummyHash []byte
}

// NewHasher returns a Hasher with the given bcrypt cost. Values outside
// bcrypt's accepted range fall back to DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("pantry-dummy-password"), cost)
	if err != nil {
		// Only reachable with a broken crypto/rand; there is nothing to serve.
		panic(fmt.Sprintf("password: init dummy hash: %v", err))
	}
	return &Hasher{cost: cost, dummyHash: dummy}
}

func (h *Hasher) Cost() int { return h.cost }

// Hash returns the bcrypt hash of plain, salt embedded.
func (h *Hasher) Hash(plain string) (string, error) {
	if len(plain) > MaxLength {
		return "", fmt.Errorf("%w: password longer than %d bytes", ErrHashFailed, MaxLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashFailed, err)
	}
	return string(hash), nil
}

// Verify reports whether plain matches hash. Malformed hashes yield false.
func (h *Hasher) Verify(plain, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// VerifyDummy burns the same CPU as a real comparison. Login uses it when
// the account does not exist so response timing does not reveal that.
func (h *Hasher) VerifyDummy(plain string) {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(plain))
}
