package pldm

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of a PLDM message header.
const HeaderSize = 3

// Header is the fixed three-byte PLDM message header (DSP0240 §5).
type Header struct {
	InstanceID uint8 // 5 bits, 0-31
	Request    bool  // true for a request, false for a response
	Datagram   bool
	Type       uint8 // PLDM type, 6 bits
	Command    uint8
}

// Encode writes the header into the first HeaderSize bytes of dst.
func (h Header) Encode(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("pldm: header buffer too small: need %d, have %d", HeaderSize, len(dst))
	}
	if h.InstanceID >= InstanceIDMax {
		return fmt.Errorf("pldm: instance id %d out of range", h.InstanceID)
	}
	var b0 uint8
	if h.Request {
		b0 |= 0x80
	}
	if h.Datagram {
		b0 |= 0x40
	}
	b0 |= h.InstanceID & 0x1F
	dst[0] = b0
	dst[1] = h.Type & 0x3F // header version bits (7-6) left at 0
	dst[2] = h.Command
	return nil
}

// DecodeHeader parses the header from the front of src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("pldm: message too short for header: %d bytes", len(src))
	}
	return Header{
		Request:    src[0]&0x80 != 0,
		Datagram:   src[0]&0x40 != 0,
		InstanceID: src[0] & 0x1F,
		Type:       src[1] & 0x3F,
		Command:    src[2],
	}, nil
}

// newMessage allocates a header + payload buffer and writes the header.
func newMessage(h Header, payloadLen int) ([]byte, error) {
	buf := make([]byte, HeaderSize+payloadLen)
	if err := h.Encode(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// payload returns the portion of msg following the header, erroring if msg
// is too short to contain a header.
func payload(msg []byte) ([]byte, error) {
	if len(msg) < HeaderSize {
		return nil, fmt.Errorf("pldm: message too short: %d bytes", len(msg))
	}
	return msg[HeaderSize:], nil
}

// putUint16 / putUint32 are little-endian helpers kept local so every field
// write in this package goes through one code path (DSP0240 encodes
// multi-byte integers little-endian throughout).
func putUint16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func putUint32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func getUint16(src []byte) uint16    { return binary.LittleEndian.Uint16(src) }
func getUint32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }
