// Package capability implements capability token issuance, verification,
// revocation, and execution (spec §4.4). Tokens are Ed25519-signed
// statements that a subject may perform a bounded set of operations on a
// named resource until an expiry.
package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocmtlabs/ocmt/internal/canonical"
	ocmtcrypto "github.com/ocmtlabs/ocmt/internal/crypto"
	"github.com/ocmtlabs/ocmt/internal/ocmterr"
)

// Tier is the access mode granted by a capability.
type Tier string

const (
	TierLive      Tier = "LIVE"
	TierCached    Tier = "CACHED"
	TierDelegated Tier = "DELEGATED"
)

func (t Tier) Valid() bool {
	switch t {
	case TierLive, TierCached, TierDelegated:
		return true
	}
	return false
}

// clockSkew is the allowance spec §4.4 grants between iat and now.
const clockSkew = 60 * time.Second

// Header is the signed payload of a capability token.
type Header struct {
	Iss      string   `json:"iss"`
	Sub      string   `json:"sub"`
	Resource string   `json:"resource"`
	Scope    []string `json:"scope"`
	Tier     Tier     `json:"tier"`
	ID       string   `json:"id"`
	Exp      int64    `json:"exp"`
	Iat      int64    `json:"iat"`
}

// Token is a parsed, not-yet-verified capability token.
type Token struct {
	Header    Header
	Canonical []byte // the exact bytes that were signed
	Signature []byte
}

// NewID draws a cryptographically random 128-bit capability id, base64url
// encoded, per spec §3.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("capability: id generation: %w", err)
	}
	b := id[:]
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EncodePublicKey renders an Ed25519 public key the way iss/sub fields do.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublicKey reverses EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ocmterr.Wrap(ocmterr.CodeMalformedToken, "invalid public key encoding", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, ocmterr.New(ocmterr.CodeMalformedToken, "invalid public key length")
	}
	return ed25519.PublicKey(b), nil
}

// Issue builds and signs a new capability token using the issuer's private
// key. It derives iss from priv and always stamps a fresh id, iat=now and
// exp=now+expiresIn.
func Issue(priv ed25519.PrivateKey, subjectPub ed25519.PublicKey, resource string, scope []string, tier Tier, expiresIn time.Duration, now time.Time) (*Token, string, error) {
	if !tier.Valid() {
		return nil, "", ocmterr.New(ocmterr.CodeInvalidPayload, "unknown tier")
	}
	id, err := NewID()
	if err != nil {
		return nil, "", err
	}
	issPub := priv.Public().(ed25519.PublicKey)
	h := Header{
		Iss:      EncodePublicKey(issPub),
		Sub:      EncodePublicKey(subjectPub),
		Resource: resource,
		Scope:    append([]string(nil), scope...),
		Tier:     tier,
		ID:       id,
		Iat:      now.Unix(),
		Exp:      now.Add(expiresIn).Unix(),
	}
	canon, err := canonical.Marshal(h)
	if err != nil {
		return nil, "", fmt.Errorf("capability: canonicalize: %w", err)
	}
	sig := ocmtcrypto.Sign(priv, canon)
	wire := Encode(canon, sig)
	return &Token{Header: h, Canonical: canon, Signature: sig}, wire, nil
}

// Encode renders the wire form: base64url(canonicalHeader) + "." + base64url(signature).
func Encode(canon, sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(canon) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Parse splits and decodes a wire-format token without verifying the
// signature or any temporal claim.
func Parse(wire string) (*Token, error) {
	parts := strings.SplitN(wire, ".", 2)
	if len(parts) != 2 {
		return nil, ocmterr.New(ocmterr.CodeMalformedToken, "missing signature segment")
	}
	canon, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ocmterr.Wrap(ocmterr.CodeMalformedToken, "invalid header encoding", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ocmterr.Wrap(ocmterr.CodeMalformedToken, "invalid signature encoding", err)
	}
	var h Header
	if err := json.Unmarshal(canon, &h); err != nil {
		return nil, ocmterr.Wrap(ocmterr.CodeMalformedToken, "invalid header json", err)
	}
	if h.Iss == "" || h.Sub == "" || h.ID == "" || !h.Tier.Valid() {
		return nil, ocmterr.New(ocmterr.CodeMalformedToken, "missing required field")
	}
	return &Token{Header: h, Canonical: canon, Signature: sig}, nil
}

// Verify checks the signature under iss, the expiry/iat window, and an
// optional expected subject. It returns the parsed header on success.
func Verify(t *Token, expectedSubject *ed25519.PublicKey, now time.Time) (*Header, error) {
	issPub, err := DecodePublicKey(t.Header.Iss)
	if err != nil {
		return nil, err
	}
	if !ocmtcrypto.Verify(issPub, t.Canonical, t.Signature) {
		return nil, ocmterr.New(ocmterr.CodeBadSignature, "signature does not verify under iss")
	}
	if now.Unix() >= t.Header.Exp {
		return nil, ocmterr.New(ocmterr.CodeExpired, "token expired")
	}
	if time.Unix(t.Header.Iat, 0).After(now.Add(clockSkew)) {
		return nil, ocmterr.New(ocmterr.CodeMalformedToken, "iat too far in the future")
	}
	if expectedSubject != nil {
		subPub, err := DecodePublicKey(t.Header.Sub)
		if err != nil {
			return nil, err
		}
		if !ocmtcrypto.ConstantTimeEqual(subPub, *expectedSubject) {
			return nil, ocmterr.New(ocmterr.CodeSubjectMismatch, "subject does not match")
		}
	}
	return &t.Header, nil
}
