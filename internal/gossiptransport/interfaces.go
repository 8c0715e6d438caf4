// Package gossiptransport declares the external collaborator interfaces
// the gossip core depends on (spec.md §6: Transport, Signer, Verifier,
// Clock) and ships reference implementations — an in-process fake
// transport and an ed25519 signer/verifier — so the core is runnable and
// testable without a real QUIC stack or post-quantum identity crate, both
// of which are explicitly out of scope (spec.md §1).
//
// Production implementations of these interfaces live outside this
// module; the core only ever depends on the interface types here.
package gossiptransport

import (
	"context"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
)

// Inbound is a single frame handed to the core by Transport.Receive: the
// peer it arrived from, which logical stream it traveled on, and the raw
// bytes (a serialized gossipcore.SignedMessage).
type Inbound struct {
	Peer       gossipcore.PeerId
	StreamKind gossipcore.StreamKind
	Bytes      []byte
}

// Transport is the network collaborator. Implementations deliver bytes in
// order per (peer, stream) or report failure; failure is non-fatal to the
// core (spec.md §6, §7 PeerUnreachable).
type Transport interface {
	// SendToPeer delivers bytes to peer over the given stream. A non-nil
	// error means the send failed; the caller treats this as
	// PeerUnreachable and does not retry here.
	SendToPeer(ctx context.Context, peer gossipcore.PeerId, kind gossipcore.StreamKind, b []byte) error

	// Receive returns the next inbound frame, blocking until one arrives
	// or ctx is cancelled. It is a lazy, infinite, non-restartable
	// sequence: callers loop calling Receive until it returns an error.
	Receive(ctx context.Context) (Inbound, error)
}

// Signer produces a signature over header+payload bytes.
type Signer interface {
	Sign(headerBytes []byte) ([]byte, error)
}

// Verifier checks a signature against a public key and the signed bytes.
// The core treats both the public key and the signature as opaque byte
// strings; it never itself derives identity.
type Verifier interface {
	Verify(publicKey, b, signature []byte) bool
}

// Clock supplies monotonic wall-clock milliseconds, decoupling the core's
// timers and TTL arithmetic from time.Now for deterministic tests.
type Clock interface {
	NowMillis() uint64
}

// KeyStore resolves a PeerId to the public key Verifier needs. Identity
// and key distribution are explicitly out of scope (spec.md §1); this is
// the minimal seam the dissemination layer needs to honor "signature
// verification gates EAGER forwarding" without owning identity itself.
type KeyStore interface {
	PublicKey(p gossipcore.PeerId) ([]byte, bool)
}

// StaticKeyStore is a fixed-map KeyStore, adequate for tests and small
// simulated networks where every peer's public key is known up front.
type StaticKeyStore struct {
	keys map[gossipcore.PeerId][]byte
}

// NewStaticKeyStore builds a StaticKeyStore from a peer->pubkey map.
func NewStaticKeyStore(keys map[gossipcore.PeerId][]byte) *StaticKeyStore {
	return &StaticKeyStore{keys: keys}
}

// PublicKey implements KeyStore.
func (s *StaticKeyStore) PublicKey(p gossipcore.PeerId) ([]byte, bool) {
	k, ok := s.keys[p]
	return k, ok
}
