package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// MinKeyLength is the shortest random part GenerateAPIKey accepts
const MinKeyLength = 16

// HashAPIKey hashes a plaintext API key using SHA256. Only the hash is stored.
func HashAPIKey(plaintextKey string) string {
	sum := sha256.Sum256([]byte(plaintextKey))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new plaintext key of the form {prefix}-{hex}, where
// the hex part has length characters.
func GenerateAPIKey(prefix string, length int) (string, error) {
	if length < MinKeyLength {
		return "", fmt.Errorf("api key length %d is below the minimum of %d", length, MinKeyLength)
	}

	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	random := hex.EncodeToString(buf)[:length]

	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return random, nil
	}
	return prefix + "-" + random, nil
}
