// Package gateway issues and verifies the HS256 bearer tokens a relay
// checks on each request; VerifyToken returns the container id a token was
// issued to, and internal/relayserver does not compare it with any record (spec
// §4.6 "each container authenticates to the relay with a bearer token
// scoped to its own container id").
package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
)

// claims identifies the container a bearer token was issued to.
type claims struct {
	ContainerID string `json:"cid"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies scoped bearer tokens with a shared HS256
// secret, the way a relay and its containers would share a pre-provisioned
// key out of band.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an Issuer. ttl defaults to one hour if zero.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("gateway: secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl}, nil
}

// IssueToken mints a bearer token scoped to containerID.
func (i *Issuer) IssueToken(containerID string) (string, error) {
	now := time.Now()
	c := claims{
		ContainerID: containerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("gateway: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates tokenString and returns the container id it was
// scoped to.
func (i *Issuer) VerifyToken(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ocmterr.New(ocmterr.CodeExpired, "bearer token expired")
		}
		return "", ocmterr.Wrap(ocmterr.CodeBadSignature, "bearer token invalid", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.ContainerID == "" {
		return "", ocmterr.New(ocmterr.CodeMalformedToken, "bearer token missing container scope")
	}
	return c.ContainerID, nil
}
