package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// cipher seals and opens secure-partition values with ChaCha20-Poly1305.
// The key is derived from a passphrase so deployments can supply a
// device-bound secret through configuration.
type cipher struct {
	key []byte
}

func newCipher(passphrase string) *cipher {
	key := sha256.Sum256([]byte(passphrase))
	return &cipher{key: key[:]}
}

// seal encrypts plaintext and returns a base64 string with the nonce
// prepended to the ciphertext.
func (c *cipher) seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", errors.Wrap(err, "[cipher.seal] chacha20poly1305.NewX")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "[cipher.seal] rand.Read")
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal.
func (c *cipher) open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(ErrSealFailed, "invalid encoding")
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", errors.Wrap(err, "[cipher.open] chacha20poly1305.NewX")
	}

	if len(raw) < aead.NonceSize() {
		return "", errors.Wrap(ErrSealFailed, "value too short")
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealFailed
	}
	return string(plaintext), nil
}
