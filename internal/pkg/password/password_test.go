package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndVerify(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	for _, pw := range []string{"P@ssw0rd1", "correct horse battery staple", "пароль123"} {
		hash, err := h.Hash(pw)
		require.NoError(t, err)
		assert.NotEqual(t, pw, hash)
		assert.True(t, h.Verify(pw, hash))
		assert.False(t, h.Verify(pw+"x", hash))
	}
}

func TestHasher_SaltsDiffer(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	a, err := h.Hash("P@ssw0rd1")
	require.NoError(t, err)
	b, err := h.Hash("P@ssw0rd1")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHasher_DefaultCost(t *testing.T) {
	h := NewHasher(0)
	assert.Equal(t, DefaultCost, h.Cost())

	hash, err := h.Hash("P@ssw0rd1")
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, 12, cost)
}

func TestHasher_VerifyMalformedHash(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	assert.False(t, h.Verify("P@ssw0rd1", ""))
	assert.False(t, h.Verify("P@ssw0rd1", "not-a-bcrypt-hash"))
	assert.False(t, h.Verify("P@ssw0rd1", "$2a$10$short"))
}

func TestHasher_TooLong(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	_, err := h.Hash(strings.Repeat("a", MaxLength+1))
	assert.ErrorIs(t, err, ErrHashFailed)
}
