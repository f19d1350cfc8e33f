// Package webhook authenticates and decodes gateway callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw request body.
const SignatureHeader = "X-Gateway-Signature"

var ErrSignatureInvalid = errors.New("webhook signature invalid")

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks signature against the exact bytes received. Nothing in body
// may be trusted until it returns nil.
func (v *Verifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || len(v.secret) == 0 {
		return ErrSignatureInvalid
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(got, v.mac(body)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign returns the signature the gateway would send for body.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.mac(body))
}

func (v *Verifier) mac(body []byte) []byte {
	m := hmac.New(sha512.New, v.secret)
	m.Write(body)
	return m.Sum(nil)
}
