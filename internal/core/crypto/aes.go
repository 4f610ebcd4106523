package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrAuthFailed is returned when a ciphertext or its tag fails verification.
var ErrAuthFailed = errors.New("message authentication failed")

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCMWithTagSize(block, TagSize)
}

// Encrypt seals plaintext with AES-GCM and returns the ciphertext and the tag
// separately. The ciphertext has the same length as the plaintext.
func Encrypt(key []byte, iv [IVSize]byte, plaintext, aad []byte) (ciphertext []byte, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv[:], plaintext, aad)
	n := len(sealed) - TagSize
	return sealed[:n], sealed[n:], nil
}

// Decrypt opens ciphertext with AES-GCM. Nothing is returned unless the tag
// verifies.
func Decrypt(key []byte, iv []byte, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(iv) != IVSize || len(tag) != TagSize {
		return nil, ErrAuthFailed
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
