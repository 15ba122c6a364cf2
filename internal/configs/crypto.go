package configs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"strings"
)

// DecryptSecret decrypts a CryptoJS.AES.encrypt() string, which uses the
// OpenSSL envelope: Base64("Salted__" + 8-byte salt + ciphertext) with the
// key/iv derived from passphrase+salt via EVP_BytesToKey (MD5). Values that
// are not in that envelope fall through to the legacy shift cipher used
// before the web frontend switched to CryptoJS.
func DecryptSecret(encrypted, passphrase string) (string, error) {
	if encrypted == "" || passphrase == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	if len(data) < 16 || string(data[:8]) != "Salted__" {
		return decryptLegacy(encrypted)
	}

	salt := data[8:16]
	ciphertext := data[16:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d not a block multiple", len(ciphertext))
	}

	key, iv := evpBytesToKey([]byte(passphrase), salt, 32, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	out, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// evpBytesToKey derives keyLen+ivLen bytes the way OpenSSL EVP_BytesToKey
// does with MD5 and one iteration.
func evpBytesToKey(password, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var derived, prev []byte
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad <= 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("bad padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return data[:len(data)-pad], nil
}

// decryptLegacy reverses the migration-era shift cipher:
// base64 then every rune shifted up by 7.
func decryptLegacy(encoded string) (string, error) {
	const shift = 7
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode legacy secret: %w", err)
	}
	var b strings.Builder
	for _, r := range string(raw) {
		b.WriteRune(r - shift)
	}
	return b.String(), nil
}
