// Package tokens generates and hashes the opaque capability tokens backing
// ticket redemption and transfer acceptance. Only hashes are ever
// persisted; possession of the raw token is the capability.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// rawLen is the entropy of a raw token in bytes. 32 bytes base64url-encodes
// to a 43 character token.
const rawLen = 32

// Generate returns a fresh cryptographically random token. The caller is
// responsible for handing it out exactly once and never logging it.
func Generate() (string, error) {
	buf := make([]byte, rawLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token generation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash returns the hex SHA-256 digest of a raw token. This is the only form
// that ever reaches storage.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Matches compares a raw token against a stored digest in constant time.
func Matches(raw, digest string) bool {
	computed := Hash(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
