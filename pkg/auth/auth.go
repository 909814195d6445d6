// Package auth implements password generation and verification.
//
// Passwords are always minted by the server with 256 bits of entropy, so a
// fast unsalted hash is sufficient. Stored hashes are prefix-tagged
// ("sha256:<hex>") so the scheme can evolve without a migration.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const schemeSHA256 = "sha256"

// GeneratePassword returns a fresh url-safe password with 256 bits of
// entropy.
func GeneratePassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashPassword returns the prefix-tagged hash of pwd.
func HashPassword(pwd string) string {
	sum := sha256.Sum256([]byte(pwd))
	return schemeSHA256 + ":" + hex.EncodeToString(sum[:])
}

// VerifyPassword reports whether pwd matches the stored prefix-tagged
// hash. Unknown schemes and malformed hashes never verify.
func VerifyPassword(pwd, stored string) bool {
	scheme, digest, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	switch scheme {
	case schemeSHA256:
		want, err := hex.DecodeString(digest)
		if err != nil || len(want) != sha256.Size {
			return false
		}
		sum := sha256.Sum256([]byte(pwd))
		return subtle.ConstantTimeCompare(sum[:], want) == 1
	default:
		return false
	}
}

// VerifyAny reports whether pwd matches any of the stored hashes.
func VerifyAny(pwd string, stored []string) bool {
	for _, h := range stored {
		if VerifyPassword(pwd, h) {
			return true
		}
	}
	return false
}
