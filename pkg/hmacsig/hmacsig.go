// Package hmacsig implements the HMAC-SHA256 payload signature convention
// used on webhook traffic: hex digest of the raw body, "sha256=" prefixed,
// carried in a request header.
package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix is the conventional algorithm prefix on wire signatures.
const Prefix = "sha256="

// Sign computes the signature for a raw payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload under secret.
// The "sha256=" prefix on the supplied signature is optional. An empty
// signature, secret, or payload never verifies. Comparison is constant
// time via hmac.Equal.
func Verify(signature, secret string, payload []byte) bool {
	if signature == "" || secret == "" || len(payload) == 0 {
		return false
	}

	sigHex := strings.TrimPrefix(signature, Prefix)
	supplied, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(supplied, mac.Sum(nil))
}
