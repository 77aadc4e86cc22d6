// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package crypto collects the concrete cryptographic choices the trust core
// depends on: Argon2id for password-based key derivation, XChaCha20-Poly1305
// for authenticated encryption, Ed25519 for signatures, X25519 for key
// agreement, and SHA-256 for identifiers. Every function here is a thin,
// exact binding to a stdlib or golang.org/x/crypto primitive; no component
// outside this package should import those primitives directly.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Argon2Memory is the KDF memory cost in KiB (64 MiB).
	Argon2Memory = 64 * 1024
	// Argon2Iterations is the KDF time cost.
	Argon2Iterations = 3
	// Argon2Parallelism is the KDF lane count.
	Argon2Parallelism = 4
	// Argon2KeyLen is the derived key size in bytes.
	Argon2KeyLen = 32
	// Argon2SaltLen is the random salt size in bytes.
	Argon2SaltLen = 16

	// AEADKeySize is the XChaCha20-Poly1305 key size in bytes.
	AEADKeySize = chacha20poly1305.KeySize
	// AEADNonceSize is the XChaCha20-Poly1305 nonce size in bytes (24).
	AEADNonceSize = chacha20poly1305.NonceSizeX
	// AEADTagSize is the Poly1305 authentication tag size in bytes.
	AEADTagSize = chacha20poly1305.Overhead
)

// KDFParams records the Argon2id parameters used to derive a wrap key, so
// they can be stored alongside a vault header and reproduced on unlock.
type KDFParams struct {
	Algorithm   string `json:"algorithm"`
	MemoryKiB   uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"keyLen"`
}

// DefaultKDFParams returns the spec-mandated Argon2id defaults. Callers may
// widen these (more memory, more iterations) but must never narrow them.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:   "argon2id",
		MemoryKiB:   Argon2Memory,
		Iterations:  Argon2Iterations,
		Parallelism: Argon2Parallelism,
		KeyLen:      Argon2KeyLen,
	}
}

// Validate rejects parameters weaker than the spec floor.
func (p KDFParams) Validate() error {
	if p.Algorithm != "argon2id" {
		return fmt.Errorf("crypto: unsupported kdf algorithm %q", p.Algorithm)
	}
	if p.MemoryKiB < Argon2Memory || p.Iterations < Argon2Iterations ||
		p.Parallelism < Argon2Parallelism || p.KeyLen < Argon2KeyLen {
		return fmt.Errorf("crypto: kdf parameters weaker than floor")
	}
	return nil
}

// NewSalt draws Argon2SaltLen bytes from the CSPRNG.
func NewSalt() ([]byte, error) {
	return RandomBytes(Argon2SaltLen)
}

// DeriveKey runs Argon2id over password+salt using p, producing a p.KeyLen
// byte wrap key. The caller owns zeroizing both password and the result.
func DeriveKey(password []byte, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("crypto: empty salt")
	}
	return argon2.IDKey(password, salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLen), nil
}

// RandomBytes draws n cryptographically strong random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: rng failure: %w", err)
	}
	return b, nil
}

// SealXChaCha20Poly1305 encrypts plaintext under key with a freshly drawn
// 24-byte nonce, authenticating aad. Returns nonce||ciphertext||tag.
func SealXChaCha20Poly1305(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead init: %w", err)
	}
	nonce, err := RandomBytes(AEADNonceSize)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// OpenXChaCha20Poly1305 reverses SealXChaCha20Poly1305. AEAD authentication
// failure is never retriable (spec §7) and the caller should map it to
// ocmterr.CodeAEADFailure.
func OpenXChaCha20Poly1305(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead init: %w", err)
	}
	if len(sealed) < AEADNonceSize {
		return nil, fmt.Errorf("crypto: sealed payload too short")
	}
	nonce, ct := sealed[:AEADNonceSize], sealed[AEADNonceSize:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead open failed: %w", err)
	}
	return pt, nil
}

// GenerateEd25519 creates a fresh identity keypair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: ed25519 keygen: %w", err)
	}
	return pub, priv, nil
}

// Ed25519FromSeed reconstructs a private key from its 32-byte seed, the form
// the vault persists as identityPrivateKey.
func Ed25519FromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: bad ed25519 seed length %d", len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign produces an Ed25519 signature over message.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature of message under pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ConstantTimeEqual compares two byte slices in constant time with respect
// to their contents (not their lengths). Used for password/token/tag
// comparisons per spec §4.1.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zero bytes in place. Call on every derived key,
// password buffer, and wrap key once it is no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
