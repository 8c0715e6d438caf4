package gossipcore

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Error kinds named in spec.md §7. These are structural signals, not
// user-facing failures — callers match with errors.Is.

var (
	// ErrPeerUnreachable indicates a transport send failed.
	ErrPeerUnreachable = errors.New("gossip: peer unreachable")

	// ErrInvalidSignature indicates the verifier rejected a message.
	ErrInvalidSignature = errors.New("gossip: invalid signature")

	// ErrMalformedFrame indicates a frame failed to decode.
	ErrMalformedFrame = errors.New("gossip: malformed frame")

	// ErrCapacityExceeded indicates a bounded structure (cache,
	// pendingIHave, outstandingIWants) is at its hard cap.
	ErrCapacityExceeded = errors.New("gossip: capacity exceeded")

	// ErrUnknownTopic indicates an operation referenced a topic with no
	// local state (never subscribed, or already unsubscribed).
	ErrUnknownTopic = errors.New("gossip: unknown topic")

	// ErrUnknownPeer indicates an operation referenced a peer the
	// component has no record of.
	ErrUnknownPeer = errors.New("gossip: unknown peer")
)
