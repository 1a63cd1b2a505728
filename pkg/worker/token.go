package worker

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const tokenByteLen = 24

// generateToken returns a fresh plaintext bootstrap token, its display
// prefix, and the hash to persist. The plaintext is never stored; only the
// hash and prefix survive past this call.
func generateToken() (plaintext, prefix, hash string, err error) {
	buf := make([]byte, tokenByteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generating worker token: %w", err)
	}
	plaintext = "wk_" + hex.EncodeToString(buf)
	prefix = plaintext[:11] // "wk_" + 8 hex chars, enough to display without revealing the secret
	hash = hashToken(plaintext)
	return plaintext, prefix, hash, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// tokensMatch compares a presented bearer token against a stored hash in
// constant time.
func tokensMatch(presented, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashToken(presented)), []byte(storedHash)) == 1
}
