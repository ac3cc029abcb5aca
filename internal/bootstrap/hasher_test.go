package bootstrap

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPBKDF2Hasher_RoundTrip(t *testing.T) {
	t.Parallel()

	h := &PBKDF2Hasher{Iterations: 1000}
	hash, err := h.Hash("My_String!@#WQE_PASS")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(hash)
	require.NoError(t, err)
	assert.Len(t, raw, 13+16+32)
	assert.Equal(t, byte(0x01), raw[0])

	assert.True(t, VerifyPBKDF2(hash, "My_String!@#WQE_PASS"))
	assert.False(t, VerifyPBKDF2(hash, "wrong"))
	assert.False(t, VerifyPBKDF2("not base64!", "x"))
}

func TestPBKDF2Hasher_FreshSaltEachTime(t *testing.T) {
	t.Parallel()

	h := &PBKDF2Hasher{Iterations: 1000}
	a, err := h.Hash("pw")
	require.NoError(t, err)
	b, err := h.Hash("pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPBKDF2Hasher_EmptyPassword(t *testing.T) {
	t.Parallel()

	_, err := NewPBKDF2Hasher().Hash("")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "RUSLAN.FAZ@MAIL.RU", Normalize(" ruslan.faz@mail.ru "))
	assert.Equal(t, "ADMIN", Normalize("ａｄｍｉｎ"), "full-width letters fold under NFKC")
	assert.Equal(t, "", Normalize(""))
}
