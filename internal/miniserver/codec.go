package miniserver

import (
	"encoding/binary"
	"fmt"
)

// FrameType identifies the payload kind announced by a binary header frame.
type FrameType byte

// Frame types from the Loxone WebSocket protocol.
const (
	FrameText         FrameType = 0
	FrameBinary       FrameType = 1
	FrameValueEvents  FrameType = 2
	FrameTextEvents   FrameType = 3
	FrameDaytimer     FrameType = 4
	FrameOutOfService FrameType = 5
	FrameKeepalive    FrameType = 6
	FrameWeather      FrameType = 7
)

// String returns the frame type name for logging.
func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameValueEvents:
		return "value-events"
	case FrameTextEvents:
		return "text-events"
	case FrameDaytimer:
		return "daytimer"
	case FrameOutOfService:
		return "out-of-service"
	case FrameKeepalive:
		return "keepalive"
	case FrameWeather:
		return "weather"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

const (
	// headerLength is the fixed size of a binary header frame.
	headerLength = 8

	// headerMagic is the first byte of every valid header frame.
	headerMagic = 0x03

	// infoEstimated marks the announced length as an estimate; the real
	// payload length may differ.
	infoEstimated = 0x80
)

// Header is a decoded binary header frame. Every payload on the Loxone
// WebSocket is preceded by one, announcing the type and byte length of the
// message that follows.
type Header struct {
	Type   FrameType
	Info   byte
	Length uint32
}

// Estimated reports whether the announced length is only an estimate.
func (h Header) Estimated() bool {
	return h.Info&infoEstimated != 0
}

// decodeHeader parses an 8-byte binary header frame.
//
// Layout: {0x03, type, info, reserved, length uint32 little-endian}.
// A wrong magic byte, short buffer or unknown type yields ErrFrameDecode;
// the caller drops the frame and keeps the session alive.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) != headerLength {
		return Header{}, fmt.Errorf("%w: header length %d, want %d", ErrFrameDecode, len(buf), headerLength)
	}
	if buf[0] != headerMagic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%02x", ErrFrameDecode, buf[0])
	}
	if buf[1] > byte(FrameWeather) {
		return Header{}, fmt.Errorf("%w: unknown frame type %d", ErrFrameDecode, buf[1])
	}

	return Header{
		Type:   FrameType(buf[1]),
		Info:   buf[2],
		Length: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// encodeHeader renders a header frame, used by tests and the mock target.
func encodeHeader(h Header) []byte {
	buf := make([]byte, headerLength)
	buf[0] = headerMagic
	buf[1] = byte(h.Type)
	buf[2] = h.Info
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf
}
