package gossiptransport

import "crypto/ed25519"

// Ed25519Signer signs with a held ed25519 private key. ML-DSA post-quantum
// signing is the real target and is explicitly out of scope (spec.md
// §1); this is the default stand-in so the core runs end to end without
// it.
type Ed25519Signer struct {
	Private ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh ed25519 keypair and returns a signer
// plus the corresponding public key (for PeerId derivation).
func NewEd25519Signer() (*Ed25519Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	return &Ed25519Signer{Private: priv}, pub, nil
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(headerBytes []byte) ([]byte, error) {
	return ed25519.Sign(s.Private, headerBytes), nil
}

// Ed25519Verifier verifies ed25519 signatures.
type Ed25519Verifier struct{}

// Verify implements Verifier.
func (Ed25519Verifier) Verify(publicKey, b, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), b, signature)
}
