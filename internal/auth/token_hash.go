package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// generateToken returns a hex-encoded random token of length random bytes.
func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// hashTokenID derives the storage key digest for a raw token so a leaked
// datastore does not yield usable bearer secrets.
func hashTokenID(tokenID string) string {
	digest := sha256.Sum256([]byte(tokenID))
	return hex.EncodeToString(digest[:])
}
