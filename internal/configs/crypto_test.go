package configs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encryptSecret builds the OpenSSL/CryptoJS envelope so the decrypt path is
// exercised against a real round trip.
func encryptSecret(t *testing.T, plaintext, passphrase string, salt []byte) string {
	t.Helper()
	require.Len(t, salt, 8)

	key, iv := evpBytesToKey([]byte(passphrase), salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := []byte(plaintext)
	for i := 0; i < pad; i++ {
		padded = append(padded, byte(pad))
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	envelope := append([]byte("Salted__"), salt...)
	envelope = append(envelope, out...)
	return base64.StdEncoding.EncodeToString(envelope)
}

func TestDecryptSecret_RoundTrip(t *testing.T) {
	salt := []byte("abcdefgh")
	for _, plaintext := range []string{"k", "my-app-key-1234", "exactly sixteen."} {
		enc := encryptSecret(t, plaintext, "passphrase", salt)
		got, err := DecryptSecret(enc, "passphrase")
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecryptSecret_WrongPassphrase(t *testing.T) {
	enc := encryptSecret(t, "secret", "right", []byte("abcdefgh"))
	got, err := DecryptSecret(enc, "wrong")
	if err == nil {
		// CBC with a wrong key usually breaks padding; when it happens to
		// survive, the plaintext still must not match.
		assert.NotEqual(t, "secret", got)
	}
}

func TestDecryptSecret_LegacyShiftCipher(t *testing.T) {
	// "key" shifted up by 7 then base64-encoded.
	shifted := ""
	for _, r := range "key" {
		shifted += string(r + 7)
	}
	enc := base64.StdEncoding.EncodeToString([]byte(shifted))

	got, err := DecryptSecret(enc, "anything")
	require.NoError(t, err)
	assert.Equal(t, "key", got)
}

func TestDecryptSecret_Empty(t *testing.T) {
	got, err := DecryptSecret("", "pass")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIsMarketOpen(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"weekday mid-session", time.Date(2026, 8, 27, 11, 0, 0, 0, time.Local), true},   // Thursday
		{"open boundary", time.Date(2026, 8, 27, 9, 0, 0, 0, time.Local), true},
		{"close boundary", time.Date(2026, 8, 27, 15, 30, 0, 0, time.Local), true},
		{"after close", time.Date(2026, 8, 27, 15, 31, 0, 0, time.Local), false},
		{"before open", time.Date(2026, 8, 27, 8, 59, 0, 0, time.Local), false},
		{"saturday", time.Date(2026, 8, 29, 11, 0, 0, 0, time.Local), false},
		{"sunday", time.Date(2026, 8, 30, 11, 0, 0, 0, time.Local), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsMarketOpen(tt.at))
		})
	}
}
