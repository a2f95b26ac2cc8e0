package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(testKeyHex)
	require.NoError(t, err)
	return v
}

func TestDeriveKey(t *testing.T) {
	t.Run("hex material is used raw", func(t *testing.T) {
		key, err := DeriveKey(testKeyHex)
		require.NoError(t, err)
		assert.Equal(t, testKeyHex, hex.EncodeToString(key))
	})

	t.Run("passphrase is hashed", func(t *testing.T) {
		key, err := DeriveKey("correct horse battery staple")
		require.NoError(t, err)
		want := sha256.Sum256([]byte("correct horse battery staple"))
		assert.Equal(t, want[:], key)
	})

	t.Run("64 chars that are not hex are hashed", func(t *testing.T) {
		material := strings.Repeat("z", 64)
		key, err := DeriveKey(material)
		require.NoError(t, err)
		assert.Len(t, key, 32)
		want := sha256.Sum256([]byte(material))
		assert.Equal(t, want[:], key)
	})

	t.Run("empty material fails", func(t *testing.T) {
		_, err := DeriveKey("  ")
		assert.Error(t, err)
	})
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)

	for _, plaintext := range []string{"", "a", "api-key-0123456789", strings.Repeat("secret", 200), "ünïcødé"} {
		sealed, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Len(t, sealed.IV, 32)
		assert.Len(t, sealed.Tag, 32)

		got, err := v.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func flipHexByte(t *testing.T, s string, i int) string {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	b[i] ^= 0x01
	return hex.EncodeToString(b)
}

func TestTamperingFailsClosed(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt("super secret api secret")
	require.NoError(t, err)

	ctLen := len(sealed.Ciphertext) / 2
	for i := 0; i < ctLen; i++ {
		s := sealed
		s.Ciphertext = flipHexByte(t, s.Ciphertext, i)
		got, err := v.Decrypt(s)
		assert.ErrorIs(t, err, ErrDecrypt)
		assert.Empty(t, got)
	}
	for i := 0; i < ivSize; i++ {
		s := sealed
		s.IV = flipHexByte(t, s.IV, i)
		_, err := v.Decrypt(s)
		assert.ErrorIs(t, err, ErrDecrypt)
	}
	for i := 0; i < tagSize; i++ {
		s := sealed
		s.Tag = flipHexByte(t, s.Tag, i)
		_, err := v.Decrypt(s)
		assert.ErrorIs(t, err, ErrDecrypt)
	}

	t.Run("malformed hex", func(t *testing.T) {
		s := sealed
		s.Tag = "not-hex"
		_, err := v.Decrypt(s)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := New("a different passphrase")
		require.NoError(t, err)
		_, err = other.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrDecrypt)
		assert.Equal(t, apperr.KindCrypto, apperr.KindOf(err))
	})
}

func TestDistinctIVs(t *testing.T) {
	v := newTestVault(t)
	seen := make(map[string]struct{})
	for i := 0; i < 2000; i++ {
		sealed, err := v.Encrypt("same plaintext")
		require.NoError(t, err)
		_, dup := seen[sealed.IV]
		require.False(t, dup, "iv repeated after %d encryptions", i)
		seen[sealed.IV] = struct{}{}
	}
}

func TestCredentialFieldsUseSeparateIVs(t *testing.T) {
	v := newTestVault(t)

	cred, err := v.SealCredential("owner-1", "main", "the-api-key", "the-api-secret")
	require.NoError(t, err)
	assert.NotEqual(t, cred.APIKeyIV, cred.SecretIV)
	assert.NotEmpty(t, cred.ID)
	assert.NotEmpty(t, cred.ViewToken)
	assert.NotContains(t, cred.CipherAPIKey, "the-api-key")

	key, secret, err := v.OpenCredential(cred)
	require.NoError(t, err)
	assert.Equal(t, "the-api-key", key)
	assert.Equal(t, "the-api-secret", secret)

	cred.SecretTag = flipHexByte(t, cred.SecretTag, 0)
	key, secret, err = v.OpenCredential(cred)
	assert.True(t, errors.Is(err, ErrDecrypt))
	assert.Empty(t, key)
	assert.Empty(t, secret)
}

func TestNewWithKeyRejectsShortKey(t *testing.T) {
	_, err := NewWithKey([]byte("short"))
	assert.Error(t, err)
}
