package push

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RoutingHash returns the first 32 hex characters of SHA-256 over the
// lowercase canonicalization of id. This is the only conversation
// identifier transmitted to the vendor push gateway, grounded on the
// teacher's certificate-fingerprint hashing pattern (hash, then hex-encode
// a prefix).
func RoutingHash(id string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(id)))
	return hex.EncodeToString(sum[:])[:32]
}
