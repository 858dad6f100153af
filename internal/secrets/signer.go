package secrets

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Hireflow-Signature"

// Signer computes HMAC-SHA256 signatures with vault-held keys.
type Signer struct {
	vault Vault
}

// NewSigner returns a Signer backed by v.
func NewSigner(v Vault) *Signer {
	return &Signer{vault: v}
}

// Sign returns "sha256=<hex>" for body using the secret stored under key.
func (s *Signer) Sign(ctx context.Context, key string, body []byte) (string, error) {
	secret, err := s.vault.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	return "sha256=" + hex.EncodeToString(mac(secret, body)), nil
}

// Verify checks a signature produced by Sign.
func Verify(secret, body []byte, signature string) bool {
	expected := "sha256=" + hex.EncodeToString(mac(secret, body))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func mac(secret, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return h.Sum(nil)
}
