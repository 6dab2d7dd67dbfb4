package frames

import (
	"encoding/binary"
	"encoding/json"
)

// MessageType identifies the payload carried by a vendor frame.
type MessageType byte

const (
	TypeJSON  MessageType = 1
	TypeAudio MessageType = 2
	TypeError MessageType = 15
)

func (t MessageType) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeAudio:
		return "audio"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// Version is the only protocol version the vendor speaks.
	Version byte = 1
	// HeaderSize is the fixed header length preceding every payload.
	HeaderSize = 8
)

// Header layout offsets.
const (
	offVersion  = 0
	offType     = 1
	offSequence = 2
	offReserved = 3
	offLength   = 4
)

// Encode builds a frame: 8-byte header followed by payload.
// Only the low byte of seq reaches the wire.
func Encode(t MessageType, seq int32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[offVersion] = Version
	buf[offType] = byte(t)
	buf[offSequence] = SequenceByte(seq)
	buf[offReserved] = 0
	binary.BigEndian.PutUint32(buf[offLength:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeJSON marshals v and frames it as a type 1 message.
func EncodeJSON(seq int32, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Encode(TypeJSON, seq, b), nil
}

// EncodeAudio frames one audio chunk.
func EncodeAudio(seq int32, chunk []byte) []byte {
	return Encode(TypeAudio, seq, chunk)
}

// EncodeEndOfStream builds the vendor's termination sentinel: an empty
// audio frame tagged with the negated sequence.
func EncodeEndOfStream(seq int32) []byte {
	if seq > 0 {
		seq = -seq
	}
	return Encode(TypeAudio, seq, nil)
}

// SequenceByte is the wire representation of seq (its low byte).
func SequenceByte(seq int32) byte {
	return byte(seq)
}
