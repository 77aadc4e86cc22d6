package crypto_test

import (
	"crypto/ecdh"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocmtcrypto "github.com/ocmtlabs/ocmt/internal/crypto"
)

func newX25519Private(scalar []byte) (*ecdh.PrivateKey, error) {
	return ecdh.X25519().NewPrivateKey(scalar)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := ocmtcrypto.NewSalt()
	require.NoError(t, err)

	params := ocmtcrypto.DefaultKDFParams()
	k1, err := ocmtcrypto.DeriveKey([]byte("correct horse battery staple"), salt, params)
	require.NoError(t, err)
	k2, err := ocmtcrypto.DeriveKey([]byte("correct horse battery staple"), salt, params)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, ocmtcrypto.Argon2KeyLen)

	k3, err := ocmtcrypto.DeriveKey([]byte("wrong password"), salt, params)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := ocmtcrypto.RandomBytes(ocmtcrypto.AEADKeySize)
	require.NoError(t, err)

	plaintext := []byte(`{"provider":"google"}`)
	sealed, err := ocmtcrypto.SealXChaCha20Poly1305(key, plaintext, []byte("aad"))
	require.NoError(t, err)

	opened, err := ocmtcrypto.OpenXChaCha20Poly1305(key, sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	_, err = ocmtcrypto.OpenXChaCha20Poly1305(key, sealed, []byte("wrong-aad"))
	assert.Error(t, err)
}

func TestSealNeverReusesNonce(t *testing.T) {
	key, err := ocmtcrypto.RandomBytes(ocmtcrypto.AEADKeySize)
	require.NoError(t, err)

	a, err := ocmtcrypto.SealXChaCha20Poly1305(key, []byte("same plaintext"), nil)
	require.NoError(t, err)
	b, err := ocmtcrypto.SealXChaCha20Poly1305(key, []byte("same plaintext"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a[:ocmtcrypto.AEADNonceSize], b[:ocmtcrypto.AEADNonceSize])
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ocmtcrypto.GenerateEd25519()
	require.NoError(t, err)

	msg := []byte("capability-bytes")
	sig := ocmtcrypto.Sign(priv, msg)
	assert.True(t, ocmtcrypto.Verify(pub, msg, sig))
	assert.False(t, ocmtcrypto.Verify(pub, []byte("tampered"), sig))
}

func TestECDHAgreement(t *testing.T) {
	a, err := ocmtcrypto.GenerateX25519Ephemeral()
	require.NoError(t, err)
	b, err := ocmtcrypto.GenerateX25519Ephemeral()
	require.NoError(t, err)

	sharedA, err := ocmtcrypto.ECDH(a.Private, b.Public.Bytes())
	require.NoError(t, err)
	sharedB, err := ocmtcrypto.ECDH(b.Private, a.Public.Bytes())
	require.NoError(t, err)
	assert.Equal(t, sharedA, sharedB)

	keyA, err := ocmtcrypto.DeriveSnapshotKey(sharedA)
	require.NoError(t, err)
	keyB, err := ocmtcrypto.DeriveSnapshotKey(sharedB)
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB)
}

func TestEd25519ToX25519Conversion(t *testing.T) {
	pub, priv, err := ocmtcrypto.GenerateEd25519()
	require.NoError(t, err)

	subjectX, err := ocmtcrypto.Ed25519PrivateToX25519(priv)
	require.NoError(t, err)
	subjectXPub, err := ocmtcrypto.Ed25519PublicToX25519(pub)
	require.NoError(t, err)

	eph, err := ocmtcrypto.GenerateX25519Ephemeral()
	require.NoError(t, err)

	// Issuer side: ECDH(ephemeral priv, subject's converted X25519 pub).
	sharedIssuer, err := ocmtcrypto.ECDH(eph.Private, subjectXPub)
	require.NoError(t, err)

	// Subject side: ECDH(subject's converted X25519 priv, ephemeral pub).
	subjectXPriv, err := newX25519Private(subjectX)
	require.NoError(t, err)
	sharedSubject, err := ocmtcrypto.ECDH(subjectXPriv, eph.Public.Bytes())
	require.NoError(t, err)

	assert.Equal(t, sharedIssuer, sharedSubject)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ocmtcrypto.ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ocmtcrypto.ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ocmtcrypto.ConstantTimeEqual([]byte("abc"), []byte("ab")))
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ocmtcrypto.Zero(b)
	for _, v := range b {
		assert.Zero(t, v)
	}
}
