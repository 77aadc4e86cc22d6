package sync

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
)

// vaultPublicKeyDecoder reverses the base64url encoding pkg/vault and
// pkg/capability use for storing Ed25519 public keys as strings.
func vaultPublicKeyDecoder(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ocmterr.Wrap(ocmterr.CodeMalformedToken, "invalid public key encoding", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, ocmterr.New(ocmterr.CodeMalformedToken, "invalid public key length")
	}
	return ed25519.PublicKey(b), nil
}

// newX25519PrivateKey wraps a raw 32-byte clamped scalar (as produced by
// internal/crypto.Ed25519PrivateToX25519) into an *ecdh.PrivateKey so it
// can be used with internal/crypto.ECDH.
func newX25519PrivateKey(scalar []byte) (*ecdh.PrivateKey, error) {
	return ecdh.X25519().NewPrivateKey(scalar)
}
