// Package gossipcore contains pure business types for the gossip overlay —
// peer/topic/message identifiers, wire structures, and sentinel errors.
// This is the innermost ring: it depends on nothing of ours and must stay
// that way so every other package can depend on it.
package gossipcore

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
)

// PeerId is an opaque 32-byte identifier derived from a peer's public
// signing key. Equality is by bytes; ordering is byte-lex.
type PeerId [32]byte

// TopicId is an opaque 32-byte identifier, a deterministic hash of a topic
// name.
type TopicId [32]byte

// MessageId is a 32-byte hash of (TopicId ‖ epoch ‖ originPeerId ‖
// payloadHash). Two identical payloads published by the same origin in the
// same one-second epoch collide by design and are treated as duplicates.
type MessageId [32]byte

// String renders the identifier as lowercase hex.
func (p PeerId) String() string    { return hex.EncodeToString(p[:]) }
func (t TopicId) String() string   { return hex.EncodeToString(t[:]) }
func (m MessageId) String() string { return hex.EncodeToString(m[:]) }

// Compare returns -1, 0, or 1 using byte-lexicographic order.
func (p PeerId) Compare(other PeerId) int    { return bytes.Compare(p[:], other[:]) }
func (t TopicId) Compare(other TopicId) int  { return bytes.Compare(t[:], other[:]) }
func (m MessageId) Compare(o MessageId) int  { return bytes.Compare(m[:], o[:]) }

// IsZero reports whether the identifier is the zero value.
func (p PeerId) IsZero() bool { return p == PeerId{} }

func (p PeerId) MarshalJSON() ([]byte, error)    { return json.Marshal(p.String()) }
func (t TopicId) MarshalJSON() ([]byte, error)   { return json.Marshal(t.String()) }
func (m MessageId) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

func (p *PeerId) UnmarshalJSON(data []byte) error    { return unmarshalHexArray(data, p[:]) }
func (t *TopicId) UnmarshalJSON(data []byte) error   { return unmarshalHexArray(data, t[:]) }
func (m *MessageId) UnmarshalJSON(data []byte) error { return unmarshalHexArray(data, m[:]) }

func unmarshalHexArray(data []byte, dst []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(dst, decoded)
	return nil
}

// TopicIdFromName derives a TopicId by hashing a human-readable topic name.
func TopicIdFromName(name string) TopicId {
	return TopicId(SHA256(nil, []byte(name)))
}

// PeerIdFromPublicKey derives a PeerId from a peer's raw public signing key.
func PeerIdFromPublicKey(pub []byte) PeerId {
	return PeerId(SHA256(nil, pub))
}
