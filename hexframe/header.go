package hexframe

import (
	"encoding/binary"
	"encoding/hex"
)

var (
	cmdPrefix  = []byte{0xff, 0x09}
	cmdPattern = []byte{0x03, 0x00, 0x0f}
)

// Header is the fixed frame preamble: prefix(2) + total length(2 LE) +
// pattern(3) + msgtype(2) + optional increment(1). The increment byte is
// suppressed when it collides with the a0..a9 field key range.
type Header struct {
	Prefix    []byte
	MsgLength int
	Pattern   []byte
	MsgType   []byte
	Increment []byte
}

// ParseHeader reads a wire header from the first bytes of a frame.
func ParseHeader(b []byte) Header {
	h := Header{}
	if len(b) < 9 {
		return h
	}
	h.Prefix = append([]byte(nil), b[0:2]...)
	h.MsgLength = int(binary.LittleEndian.Uint16(b[2:4]))
	h.Pattern = append([]byte(nil), b[4:7]...)
	h.MsgType = append([]byte(nil), b[7:9]...)
	if len(b) >= 10 {
		if incr := b[9]; incr < 0xa0 || incr > 0xa9 {
			h.Increment = []byte{incr}
		}
	}
	return h
}

// NewCommandHeader builds an outgoing command header for the given msgtype
// bytes (2 bytes, optionally followed by an increment byte).
func NewCommandHeader(cmdMsg []byte) Header {
	h := Header{}
	if len(cmdMsg) < 2 {
		return h
	}
	h.Prefix = append([]byte(nil), cmdPrefix...)
	h.Pattern = append([]byte(nil), cmdPattern...)
	h.MsgType = append([]byte(nil), cmdMsg[0:2]...)
	if len(cmdMsg) >= 3 {
		h.Increment = []byte{cmdMsg[2]}
	}
	h.MsgLength = h.Len() + 2
	return h
}

// Len is the serialized header size in bytes.
func (h *Header) Len() int {
	n := len(h.Prefix) + len(h.Pattern) + len(h.MsgType) + len(h.Increment)
	if h.MsgLength > 0 {
		n += 2
	}
	return n
}

func (h *Header) Bytes() []byte {
	b := make([]byte, 0, h.Len())
	b = append(b, h.Prefix...)
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(h.MsgLength))
	b = append(b, lb[:]...)
	b = append(b, h.Pattern...)
	b = append(b, h.MsgType...)
	b = append(b, h.Increment...)
	return b
}

// MsgTypeHex is the lookup key into descriptor tables, e.g. "0405".
func (h *Header) MsgTypeHex() string { return hex.EncodeToString(h.MsgType) }
