// Package signature verifies the HMAC-SHA256 webhook signatures both
// WhatsApp-class and Instagram-class delivery platforms attach to every
// POST, so a forged payload never reaches the dispatcher.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMissingHeader is returned when the request carries no signature
// header at all.
var ErrMissingHeader = errors.New("signature: missing X-Hub-Signature-256 header")

// ErrMismatch is returned when the computed HMAC doesn't match the
// header, in constant time.
var ErrMismatch = errors.New("signature: mismatch")

// Verify checks header (the raw "X-Hub-Signature-256" value, of the
// form "sha256=<hex>") against the HMAC-SHA256 of body keyed by secret.
func Verify(secret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingHeader
	}
	expectedHex := strings.TrimPrefix(header, "sha256=")
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return ErrMismatch
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := mac.Sum(nil)

	if !hmac.Equal(computed, expected) {
		return ErrMismatch
	}
	return nil
}

// MaskedDigestPrefix returns the first 8 bytes of the HMAC-SHA256 of body
// keyed by secret, hex-encoded. Used to record a verification failure in
// the audit journal without ever persisting the full signature or body.
func MaskedDigestPrefix(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)
	if len(sum) > 8 {
		sum = sum[:8]
	}
	return hex.EncodeToString(sum)
}
