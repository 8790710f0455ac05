// Package signing authenticates outbound deliveries for receivers.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

const (
	// SecretHeader carries the destination's shared secret verbatim.
	SecretHeader = "X-Webhook-Secret"
	// SignatureHeader carries an HMAC-SHA256 of the request body.
	SignatureHeader = "X-Webhook-Signature-256"
)

// Sign computes HMAC-SHA256 of body using secret and returns "sha256=<hex>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the HMAC-SHA256 of body with secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Apply sets both authentication headers on an outbound request. An empty
// secret leaves the request untouched.
func Apply(h http.Header, body []byte, secret string) {
	if secret == "" {
		return
	}
	h.Set(SecretHeader, secret)
	h.Set(SignatureHeader, Sign(body, secret))
}
