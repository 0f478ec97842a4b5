package protocol

import (
	"fmt"

	"github.com/erblinkqikuu/smartsocket"
)

// Version is the only wire protocol version this codec understands.
const Version = 1

// FrameType identifies the kind of a wire frame.
type FrameType byte

const (
	FrameConnect FrameType = iota + 1
	FrameDisconnect
	FrameEvent
	FrameAck
	FrameError
	FrameHeartbeat
	FrameHeartbeatAck
)

func (t FrameType) String() string {
	switch t {
	case FrameConnect:
		return "connect"
	case FrameDisconnect:
		return "disconnect"
	case FrameEvent:
		return "event"
	case FrameAck:
		return "ack"
	case FrameError:
		return "error"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameHeartbeatAck:
		return "heartbeat-ack"
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}

func (t FrameType) valid() bool {
	return t >= FrameConnect && t <= FrameHeartbeatAck
}

// Flag bits of the frame flag byte. Bits 0..3 are reserved zero.
const (
	FlagCompressed   byte = 1 << 7
	FlagEncrypted    byte = 1 << 6
	FlagAckRequested byte = 1 << 5
	FlagBinary       byte = 1 << 4

	reservedFlags byte = 0x0F
)

// Frame is one decoded wire message. Payload holds the plaintext,
// decompressed bytes: JSON text unless the binary flag is set.
type Frame struct {
	Type      FrameType
	Flags     byte
	Namespace string
	Event     string
	AckID     uint32
	Payload   []byte
}

// HasAck reports whether the frame carries an ack id on the wire.
func (f *Frame) HasAck() bool {
	return f.Type == FrameAck || f.Flags&FlagAckRequested != 0
}

// IsBinary reports whether the payload is raw bytes rather than JSON text.
func (f *Frame) IsBinary() bool {
	return f.Flags&FlagBinary != 0
}

// FrameError is a codec failure carrying one of the stable frame error
// codes (frame_invalid, decompress_failed, decrypt_failed,
// payload_too_large, payload_parse_failed).
type FrameError struct {
	Code string
	err  error
}

func (e *FrameError) Error() string {
	if e.err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *FrameError) Unwrap() error { return e.err }

func frameErr(code string, err error) *FrameError {
	return &FrameError{Code: code, err: err}
}

func invalid(format string, args ...interface{}) *FrameError {
	return frameErr(smartsocket.CodeFrameInvalid, fmt.Errorf(format, args...))
}
