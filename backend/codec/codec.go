// Package codec implements symmetric encryption with optional compression
// for chat payloads. It uses XChaCha20-Poly1305 with a random nonce prefixed
// to every ciphertext and zlib for compression.
//
// No function in this package returns an error. An empty result is the
// failure sentinel: encoding failures yield nothing to send, decoding
// failures (wrong key, truncated or tampered input) yield nothing to display.
// Use Failed to tell a failure apart from a legitimately empty input.
package codec

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/chacha20poly1305"
)

// Overhead is the fixed ciphertext expansion: nonce prefix plus auth tag.
const Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// maxInflatedSize bounds decompressed output.
const maxInflatedSize = 16 << 20

// Encrypt seals plaintext with the hex encoded 32-byte secret.
// If compress is set plaintext is deflated first.
// Output layout is nonce || ciphertext || tag. Empty input yields empty output.
func Encrypt(plaintext []byte, secret string, compress bool) []byte {
	if len(plaintext) == 0 {
		return nil
	}
	if compress {
		plaintext = deflate(plaintext)
	}
	return seal(plaintext, secret)
}

// Decrypt opens ciphertext produced by Encrypt. wasCompressed must match
// the flag used for encryption.
func Decrypt(ciphertext []byte, secret string, wasCompressed bool) []byte {
	plaintext := open(ciphertext, secret)
	if len(plaintext) == 0 || !wasCompressed {
		return plaintext
	}
	return inflate(plaintext)
}

func EncryptString(plaintext, secret string, compress bool) []byte {
	return Encrypt([]byte(plaintext), secret, compress)
}

func DecryptToString(ciphertext []byte, secret string, wasCompressed bool) string {
	return string(Decrypt(ciphertext, secret, wasCompressed))
}

// Failed reports whether a codec call on non-empty input produced nothing.
func Failed(in, out []byte) bool {
	return len(in) > 0 && len(out) == 0
}

func seal(plaintext []byte, secret string) []byte {
	if len(plaintext) == 0 {
		return nil
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return nil
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil
	}
	nonce, err := newNonce()
	if err != nil {
		return nil
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil)
}

func open(ciphertext []byte, secret string) []byte {
	if len(ciphertext) < Overhead {
		return nil
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return nil
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil
	}
	return plaintext
}

func deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}

func inflate(data []byte) []byte {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer func() {
		_ = r.Close()
	}()
	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil || len(out) > maxInflatedSize {
		return nil
	}
	return out
}
