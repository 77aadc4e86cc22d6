package crypto

import "crypto/ed25519"

// ZeroEd25519Private overwrites a private key's backing bytes in place, the
// way a seed or derived session key must be handled once a vault locks.
func ZeroEd25519Private(priv ed25519.PrivateKey) {
	Zero(priv)
}
