package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashSecret returns a SHA-256 hash of the bearer secret string, hex-encoded.
// Used for storing and looking up renewal credentials without storing the raw secret.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// SecretHashEqual performs constant-time comparison of the provided secret's hash
// with the stored hash. Returns true only if they match.
func SecretHashEqual(providedSecret, storedHash string) bool {
	providedHash := HashSecret(providedSecret)
	return subtle.ConstantTimeCompare([]byte(providedHash), []byte(storedHash)) == 1
}
