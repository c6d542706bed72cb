package model

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

var (
	idRegex     = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)
	secretRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// NewID generates a room or user identifier.
func NewID() string {
	return randomHex(IDBytesLength)
}

// NewSecret generates a shared room secret.
func NewSecret() string {
	return randomHex(SecretBytesLength)
}

func ValidID(id string) bool {
	return idRegex.MatchString(id)
}

func ValidSecret(secret string) bool {
	return secretRegex.MatchString(secret)
}

// ShortID returns the human friendly prefix of an identifier.
func ShortID(id string) string {
	if len(id) <= FriendlyIDLength {
		return id
	}
	return id[:FriendlyIDLength]
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
