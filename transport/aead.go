package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"quicr/internal/errs"
)

// Aead is the interface Encrypt drives; a nil Aead means
// the stage passes packets through unmodified, the unencrypted mode
// used for local testing.
type Aead interface {
	// Seal encrypts plaintext into a newly allocated buffer, appending the
	// auth tag and prefixing the nonce, and returns that sealed buffer.
	Seal(plaintext []byte, additionalData []byte) ([]byte, error)
	// Open reverses Seal; additionalData must match what Seal was given.
	Open(sealed []byte, additionalData []byte) ([]byte, error)
	Overhead() int
}

// chachaAead implements Aead with ChaCha20-Poly1305 ("transport
// security is out of scope for the wire format itself, but the client
// pipeline has an encrypt stage"), keeping the nonce alongside the
// ciphertext the way a UDP transport with no persistent stream state
// must.
type chachaAead struct {
	aead cipher.AEAD
}

// NewChachaAead builds an Aead from a 32-byte key, provisioned out of
// band by the application through SetCryptoKey.
func NewChachaAead(key []byte) (Aead, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.New(errs.KindCryptoFailed, err)
	}
	return &chachaAead{aead: aead}, nil
}

func (c *chachaAead) Overhead() int {
	return chacha20poly1305.NonceSize + c.aead.Overhead()
}

func (c *chachaAead) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.New(errs.KindCryptoFailed, err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	out = c.aead.Seal(out, nonce, plaintext, additionalData)
	return out, nil
}

func (c *chachaAead) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, errs.New(errs.KindCryptoFailed, nil)
	}
	nonce := sealed[:chacha20poly1305.NonceSize]
	ciphertext := sealed[chacha20poly1305.NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, errs.New(errs.KindCryptoFailed, err)
	}
	return plaintext, nil
}
