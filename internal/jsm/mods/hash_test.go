package mods

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).Cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).Cost)
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).Cost)

	h := NewHasher(bcrypt.MinCost)
	hash, err := h.Hash("secret")
	require.NoError(t, err)
	assert.NoError(t, h.Compare(hash, "secret"))
	assert.ErrorIs(t, h.Compare(hash, "nope"), bcrypt.ErrMismatchedHashAndPassword)
}
