// Package webhook is the HTTP admission boundary for provider events:
// authenticate the payload, resolve its tenant, and hand it to the durable
// queue. Nothing here talks to the conversation store on the happy path;
// the handler's only downstream dependency is the enqueue call, which is
// what lets it answer inside the provider's timeout window regardless of
// backend load.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks an HMAC-SHA256 webhook signature of the form
// "sha256=<hex>" over the raw request body. Both providers share this exact
// scheme; they differ only in where the secret comes from (per-deployment
// bridge secret vs Meta app secret), so the secret is a parameter.
//
// The body must be the raw bytes as received. Re-serializing parsed JSON
// changes key order and whitespace and breaks the signature.
//
// Returns false, never panics, on missing header, missing secret, or a
// malformed prefix. The length check runs before the constant-time compare;
// hmac.Equal itself is timing-safe for the content comparison.
func VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	if len(expected) != len(signatureHeader) {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
