// Package wire implements the persistent framed protocol (spec L4):
// header-plus-payload framing over a sock.Socket, acknowledgement-
// driven replay on reconnect, pause/resume backpressure, and
// responsiveness tracking.
package wire

import (
	"encoding/binary"

	"github.com/ehrlich-b/exthost/internal/hosterr"
)

// Type is the one-byte frame discriminator.
type Type byte

const (
	TypeNone Type = iota
	TypeRegular
	TypeControl
	TypeAck
	TypeDisconnect
	TypeReplayRequest
	TypePause
	TypeResume
	TypeKeepAlive
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeRegular:
		return "Regular"
	case TypeControl:
		return "Control"
	case TypeAck:
		return "Ack"
	case TypeDisconnect:
		return "Disconnect"
	case TypeReplayRequest:
		return "ReplayRequest"
	case TypePause:
		return "Pause"
	case TypeResume:
		return "Resume"
	case TypeKeepAlive:
		return "KeepAlive"
	default:
		return "Unknown"
	}
}

// HeaderSize is the fixed size of the frame header: 1 (type) + 4 (id)
// + 4 (ack) + 4 (length), all big-endian.
const HeaderSize = 1 + 4 + 4 + 4

// MaxPayloadLen bounds the declared payload length accepted from the
// wire, guarding against a corrupt or adversarial length field that
// would otherwise force an unbounded allocation.
const MaxPayloadLen = 64 * 1024 * 1024

// Frame is one unit on the wire: header fields plus payload.
type Frame struct {
	Type    Type
	ID      uint32
	Ack     uint32
	Payload []byte
}

// Encode serializes f into its wire representation.
func (f Frame) Encode() []byte {
	out := make([]byte, HeaderSize+len(f.Payload))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint32(out[1:5], f.ID)
	binary.BigEndian.PutUint32(out[5:9], f.Ack)
	binary.BigEndian.PutUint32(out[9:13], uint32(len(f.Payload)))
	copy(out[HeaderSize:], f.Payload)
	return out
}

// decodeHeader parses the fixed header from a HeaderSize-length slice
// and returns the frame (without payload) plus the declared payload
// length.
func decodeHeader(b []byte) (Frame, int, error) {
	if len(b) < HeaderSize {
		return Frame{}, 0, hosterr.ErrFraming
	}
	length := binary.BigEndian.Uint32(b[9:13])
	if length > MaxPayloadLen {
		return Frame{}, 0, hosterr.ErrFraming
	}
	f := Frame{
		Type: Type(b[0]),
		ID:   binary.BigEndian.Uint32(b[1:5]),
		Ack:  binary.BigEndian.Uint32(b[5:9]),
	}
	return f, int(length), nil
}
