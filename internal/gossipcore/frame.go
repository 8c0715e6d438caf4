package gossipcore

import (
	"encoding/binary"
	"fmt"
)

// EncodeFrame serializes header+payload+signature into the wire format
// described in spec.md §6: a fixed header followed by a length-prefixed
// payload and a length-prefixed signature. Control-plane messages (SWIM,
// HyParView) that do not sign their payload pass a nil signature.
func EncodeFrame(header MessageHeader, payload, signature []byte) ([]byte, error) {
	if len(payload) > 0xFFFFFFFF {
		return nil, fmt.Errorf("gossipcore: payload too large (%d bytes)", len(payload))
	}
	if len(signature) > 0xFFFF {
		return nil, fmt.Errorf("gossipcore: signature too large (%d bytes)", len(signature))
	}

	buf := make([]byte, 0, 1+32+32+1+1+1+4+len(payload)+2+len(signature))
	buf = append(buf, header.Version)
	buf = append(buf, header.Topic[:]...)
	buf = append(buf, header.MsgId[:]...)
	buf = append(buf, byte(header.Kind))
	buf = append(buf, header.Hop)
	buf = append(buf, header.TTL)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)

	var sigLenBuf [2]byte
	binary.BigEndian.PutUint16(sigLenBuf[:], uint16(len(signature)))
	buf = append(buf, sigLenBuf[:]...)
	buf = append(buf, signature...)

	return buf, nil
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(b []byte) (MessageHeader, []byte, []byte, error) {
	const minLen = 1 + 32 + 32 + 1 + 1 + 1 + 4
	if len(b) < minLen {
		return MessageHeader{}, nil, nil, ErrMalformedFrame
	}

	var h MessageHeader
	off := 0
	h.Version = b[off]
	off++
	copy(h.Topic[:], b[off:off+32])
	off += 32
	copy(h.MsgId[:], b[off:off+32])
	off += 32
	h.Kind = MessageKind(b[off])
	off++
	h.Hop = b[off]
	off++
	h.TTL = b[off]
	off++

	payloadLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+payloadLen+2 {
		return MessageHeader{}, nil, nil, ErrMalformedFrame
	}
	payload := b[off : off+payloadLen]
	off += payloadLen

	sigLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+sigLen {
		return MessageHeader{}, nil, nil, ErrMalformedFrame
	}
	signature := b[off : off+sigLen]

	return h, payload, signature, nil
}
