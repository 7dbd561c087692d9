// Package transport carries PLDM messages over a serial line. Framing is a
// 1-byte endpoint id plus a 2-byte big-endian length ahead of the raw PLDM
// message; real MCTP framing is an external concern this binding stands in
// for.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"pldmd/internal/pldm"
)

// maxFrameSize is the longest PLDM message a frame can carry: the largest
// value the 2-byte length prefix can hold.
const maxFrameSize = 0xFFFF

// frameHeaderSize is eid (1) + payload length (2).
const frameHeaderSize = 3

// encodeFrame wraps a PLDM message for the wire.
func encodeFrame(eid uint8, msg []byte) ([]byte, error) {
	if len(msg) < pldm.HeaderSize {
		return nil, fmt.Errorf("transport: message too short: %d bytes", len(msg))
	}
	if len(msg) > maxFrameSize {
		return nil, fmt.Errorf("transport: message too long: %d bytes", len(msg))
	}
	buf := make([]byte, frameHeaderSize+len(msg))
	buf[0] = eid
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(msg)))
	copy(buf[frameHeaderSize:], msg)
	return buf, nil
}

// readFrame reads one complete frame, returning the source endpoint and the
// PLDM message bytes.
func readFrame(r *bufio.Reader) (uint8, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	eid := hdr[0]
	length := binary.BigEndian.Uint16(hdr[1:3])
	if int(length) < pldm.HeaderSize {
		return 0, nil, fmt.Errorf("transport: frame too short: %d bytes", length)
	}
	msg := make([]byte, length)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, err
	}
	return eid, msg, nil
}
