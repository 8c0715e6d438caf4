package gossipcore

import (
	"encoding/binary"
	"time"
)

// MessageKind discriminates the payload shape carried in a frame's body.
type MessageKind uint8

const (
	KindEager MessageKind = iota + 1
	KindIHave
	KindIWant
	KindPrune
	KindGraft
	KindPing
	KindAck
	KindJoin
	KindForwardJoin
	KindShuffle
	KindShuffleReply
	KindDisconnect
	KindPingReq
)

// String renders a MessageKind for logging.
func (k MessageKind) String() string {
	switch k {
	case KindEager:
		return "EAGER"
	case KindIHave:
		return "IHAVE"
	case KindIWant:
		return "IWANT"
	case KindPrune:
		return "PRUNE"
	case KindGraft:
		return "GRAFT"
	case KindPing:
		return "PING"
	case KindAck:
		return "ACK"
	case KindJoin:
		return "JOIN"
	case KindForwardJoin:
		return "FORWARD_JOIN"
	case KindShuffle:
		return "SHUFFLE"
	case KindShuffleReply:
		return "SHUFFLE_REPLY"
	case KindDisconnect:
		return "DISCONNECT"
	case KindPingReq:
		return "PING_REQ"
	default:
		return "UNKNOWN"
	}
}

// DefaultTTL is the default number of forwarding hops a message may take
// before it is delivered locally but no longer forwarded.
const DefaultTTL uint8 = 10

// HeaderVersion is the current wire version of MessageHeader.
const HeaderVersion uint8 = 1

// MessageHeader is the fixed-shape frame header shared by every message
// kind. Field order here is the wire order: version, topic, msgId, kind,
// hop, ttl.
type MessageHeader struct {
	Version uint8
	Topic   TopicId
	MsgId   MessageId
	Kind    MessageKind
	Hop     uint8
	TTL     uint8
}

// Expired reports whether the message has exhausted its forwarding budget.
// A message with hop >= ttl is delivered locally but not forwarded further.
func (h MessageHeader) Expired() bool { return h.Hop >= h.TTL }

// SignedMessage is the gossip envelope: header, optional payload, and a
// signature covering both. Verification is delegated to a Verifier
// (internal/gossiptransport); this package treats the signature as an
// opaque byte string.
type SignedMessage struct {
	Header    MessageHeader
	Payload   []byte
	Signature []byte
}

// SigningBytes returns the canonical bytes a Signer/Verifier operates over:
// the header fields in wire order followed by the payload.
func (m SignedMessage) SigningBytes() []byte {
	buf := make([]byte, 0, 1+32+32+1+1+1+len(m.Payload))
	buf = append(buf, m.Header.Version)
	buf = append(buf, m.Header.Topic[:]...)
	buf = append(buf, m.Header.MsgId[:]...)
	buf = append(buf, byte(m.Header.Kind))
	buf = append(buf, m.Header.Hop)
	buf = append(buf, m.Header.TTL)
	buf = append(buf, m.Payload...)
	return buf
}

// CachedMessage is an entry in a per-topic bounded message cache.
type CachedMessage struct {
	Header     MessageHeader
	Payload    []byte
	InsertedAt time.Time
}

// CacheTTL is how long a CachedMessage remains valid after insertion
// (spec.md I4: "now − insertedAt ≤ 300 s").
const CacheTTL = 300 * time.Second

// Expired reports whether the cache entry is older than CacheTTL as of now.
func (c CachedMessage) Expired(now time.Time) bool {
	return now.Sub(c.InsertedAt) > CacheTTL
}

// EpochSeconds buckets a wall-clock instant into a one-second epoch, used
// to disambiguate MessageIds for identical payloads republished by the
// same origin.
func EpochSeconds(t time.Time) uint64 {
	return uint64(t.Unix())
}

// DeriveMessageId computes a MessageId purely from header fields and a
// payload hash, independent of receive path, so every honest receiver
// computes the identical id (spec.md §4.3, "Message-id determinism").
func DeriveMessageId(topic TopicId, epoch uint64, origin PeerId, payload []byte) MessageId {
	payloadHash := SHA256(nil, payload)

	buf := make([]byte, 0, 32+8+32+32)
	buf = append(buf, topic[:]...)
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	buf = append(buf, epochBytes[:]...)
	buf = append(buf, origin[:]...)
	buf = append(buf, payloadHash[:]...)

	return MessageId(SHA256(nil, buf))
}
