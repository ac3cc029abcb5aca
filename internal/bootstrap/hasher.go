package bootstrap

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// PasswordHasher turns a plaintext credential into a storable hash.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// Identity v3 hash layout: 0x01 | prf (uint32 BE) | iterations | salt length |
// salt | subkey. The web tier verifies these hashes, so the layout is fixed.
const (
	identityV3Marker  = 0x01
	identityPRFSHA512 = 2
	identitySaltLen   = 16
	identitySubkeyLen = 32

	DefaultHashIterations = 100_000
)

// PBKDF2Hasher produces PBKDF2-HMAC-SHA512 hashes in the Identity v3 format.
type PBKDF2Hasher struct {
	Iterations int
}

// NewPBKDF2Hasher returns a hasher with the default iteration count.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{Iterations: DefaultHashIterations}
}

// Hash salts password with 16 random bytes and encodes the result as base64.
func (h *PBKDF2Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	iter := h.Iterations
	if iter <= 0 {
		iter = DefaultHashIterations
	}

	salt := make([]byte, identitySaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	subkey := pbkdf2.Key([]byte(password), salt, iter, identitySubkeyLen, sha512.New)

	out := make([]byte, 13, 13+identitySaltLen+identitySubkeyLen)
	out[0] = identityV3Marker
	binary.BigEndian.PutUint32(out[1:], identityPRFSHA512)
	binary.BigEndian.PutUint32(out[5:], uint32(iter))
	binary.BigEndian.PutUint32(out[9:], identitySaltLen)
	out = append(out, salt...)
	out = append(out, subkey...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// VerifyPBKDF2 reports whether password matches an Identity v3 SHA-512 hash.
func VerifyPBKDF2(encoded, password string) bool {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < 13 || raw[0] != identityV3Marker {
		return false
	}
	if binary.BigEndian.Uint32(raw[1:]) != identityPRFSHA512 {
		return false
	}
	iter := int(binary.BigEndian.Uint32(raw[5:]))
	saltLen := int(binary.BigEndian.Uint32(raw[9:]))
	if saltLen < 1 || len(raw) < 13+saltLen+1 {
		return false
	}
	salt := raw[13 : 13+saltLen]
	want := raw[13+saltLen:]
	got := pbkdf2.Key([]byte(password), salt, iter, len(want), sha512.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Normalize folds a username or email into the form used for uniqueness
// checks: NFKC, trimmed, upper-cased.
func Normalize(s string) string {
	return cases.Upper(language.Und).String(norm.NFKC.String(strings.TrimSpace(s)))
}
