package codec

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// newNonce returns a fresh random extended nonce. 192-bit random nonces
// are safe to generate per message without tracking.
func newNonce() ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
