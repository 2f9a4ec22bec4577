package reconciler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	SignatureHeader       = "X-Brevo-Signature"
	LegacySignatureHeader = "X-Sib-Signature"
	signaturePrefix       = "sha256="
)

var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature over the raw body. The
// header may carry the "sha256=" prefix or the bare hex digest. An empty
// secret never verifies.
func VerifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 || signature == "" {
		return ErrSignatureInvalid
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)))
	if err != nil {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}
