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

package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

// SnapshotKEMInfo is the fixed HKDF info label for the snapshot envelope KEM
// (spec §4.1). Both the issuer and the subject must use this exact label.
const SnapshotKEMInfo = "ocmt/snapshot/v1"

// X25519KeyPair is an ephemeral Diffie-Hellman keypair, generated fresh for
// every snapshot envelope.
type X25519KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateX25519Ephemeral draws a fresh ephemeral X25519 keypair.
func GenerateX25519Ephemeral() (*X25519KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519 keygen: %w", err)
	}
	return &X25519KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// Ed25519PublicToX25519 converts a subject's Ed25519 identity public key
// into its Montgomery (X25519) form, so a snapshot can be sealed to an
// identity key without the subject needing a second keypair.
func Ed25519PublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: bad ed25519 public key length %d", len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid ed25519 point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// Ed25519PrivateToX25519 converts an Ed25519 seed-backed private key into
// its X25519 scalar, per RFC 8032 §5.1.5 clamping.
func Ed25519PrivateToX25519(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: bad ed25519 private key length %d", len(priv))
	}
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	out := make([]byte, 32)
	copy(out, h[:32])
	return out, nil
}

// ECDH computes the raw X25519 shared secret between priv and a peer's raw
// 32-byte public key, rejecting low-order/identity results.
func ECDH(priv *ecdh.PrivateKey, peerPub []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid peer public key: %w", err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh failed: %w", err)
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(shared, zero[:]) == 1 {
		return nil, fmt.Errorf("crypto: low-order or identity point")
	}
	return shared, nil
}

// DeriveSnapshotKey expands an X25519 shared secret into a 32-byte AEAD key
// using HKDF-SHA256 with the fixed snapshot info label (spec §4.1/§4.7).
func DeriveSnapshotKey(sharedSecret []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret, nil, []byte(SnapshotKEMInfo))
	key := make([]byte, AEADKeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return key, nil
}
