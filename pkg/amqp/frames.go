package amqp

import (
	"encoding/binary"
	"io"

	"github.com/rs/zerolog"
)

// Frame type octets and the frame-end sentinel.
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 0xCE
)

// protocolHeader is written by the client immediately after connect:
// "AMQP" followed by protocol id 0 and version 0-9-1.
var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// package logger used for SDK logs. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the AMQP client. Callers
// should pass a configured `zerolog.Logger` (for example one created
// with `zerolog.New(os.Stderr).With().Timestamp().Logger()`).
func SetLogger(l zerolog.Logger) { logger = l }

// MaxFrameSize bounds the payload of any single frame accepted from the
// peer, independent of the negotiated frame-max.
const MaxFrameSize = 1 << 20 // 1MB

// Frame represents a raw AMQP frame
type Frame struct {
	Type    uint8
	Channel uint16
	Payload []byte
}

// ReadFrame reads a single frame from r
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [7]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := hdr[0]
	ch := binary.BigEndian.Uint16(hdr[1:3])
	size := binary.BigEndian.Uint32(hdr[3:7])
	if size > MaxFrameSize {
		return Frame{}, protocolErrorf("frame size %d exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	// read frame-end octet
	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, err
	}
	if end[0] != FrameEnd {
		return Frame{}, protocolErrorf("invalid frame end 0x%02x", end[0])
	}
	switch t {
	case FrameMethod, FrameHeader, FrameBody, FrameHeartbeat:
	default:
		return Frame{}, protocolErrorf("unknown frame type %d", t)
	}
	return Frame{Type: t, Channel: ch, Payload: payload}, nil
}

// WriteFrame writes a frame to w, recomputing the size field and
// stamping the frame-end octet.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [7]byte
	hdr[0] = f.Type
	binary.BigEndian.PutUint16(hdr[1:3], f.Channel)
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	if _, err := w.Write([]byte{FrameEnd}); err != nil {
		return err
	}
	return nil
}

// MethodFrame is a parsed method frame: class/method ids plus the
// argument fields keyed by catalog name.
type MethodFrame struct {
	Channel  uint16
	ClassID  uint16
	MethodID uint16
	Fields   map[string]interface{}
}

// ParseMethodFrame converts a generic frame into a method frame,
// resolving the argument schema from the catalog.
func ParseMethodFrame(f Frame) (*MethodFrame, error) {
	if f.Type != FrameMethod {
		return nil, protocolErrorf("frame type %d is not a method frame", f.Type)
	}
	if len(f.Payload) < 4 {
		return nil, protocolErrorf("method payload too short")
	}
	classID := binary.BigEndian.Uint16(f.Payload[0:2])
	methodID := binary.BigEndian.Uint16(f.Payload[2:4])
	fields, err := decodeMethodArgs(classID, methodID, f.Payload[4:])
	if err != nil {
		return nil, err
	}
	return &MethodFrame{Channel: f.Channel, ClassID: classID, MethodID: methodID, Fields: fields}, nil
}

// Frame serializes the method frame back into the generic envelope.
func (m *MethodFrame) Frame() (Frame, error) {
	args, err := encodeMethodArgs(m.ClassID, m.MethodID, m.Fields)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], m.ClassID)
	binary.BigEndian.PutUint16(payload[2:4], m.MethodID)
	copy(payload[4:], args)
	return Frame{Type: FrameMethod, Channel: m.Channel, Payload: payload}, nil
}

// HeaderFrame is a parsed content header frame.
type HeaderFrame struct {
	Channel    uint16
	ClassID    uint16
	BodySize   uint64
	Properties BasicProperties
}

// ParseHeaderFrame converts a generic frame into a content header frame.
func ParseHeaderFrame(f Frame) (*HeaderFrame, error) {
	if f.Type != FrameHeader {
		return nil, protocolErrorf("frame type %d is not a header frame", f.Type)
	}
	r := newReader(f.Payload)
	classID, err := r.short()
	if err != nil {
		return nil, err
	}
	if _, err := r.short(); err != nil { // weight, always 0
		return nil, err
	}
	bodySize, err := r.longLong()
	if err != nil {
		return nil, err
	}
	props, err := readBasicProperties(r)
	if err != nil {
		return nil, err
	}
	return &HeaderFrame{Channel: f.Channel, ClassID: classID, BodySize: bodySize, Properties: props}, nil
}

// Frame serializes the content header back into the generic envelope.
func (h *HeaderFrame) Frame() Frame {
	var w writer
	w.short(h.ClassID)
	w.short(0) // weight
	w.longLong(h.BodySize)
	writeBasicProperties(&w, h.Properties)
	return Frame{Type: FrameHeader, Channel: h.Channel, Payload: w.bytes()}
}

// BodyFrame carries a slice of opaque content bytes.
type BodyFrame struct {
	Channel uint16
	Body    []byte
}

// ParseBodyFrame converts a generic frame into a body frame.
func ParseBodyFrame(f Frame) (*BodyFrame, error) {
	if f.Type != FrameBody {
		return nil, protocolErrorf("frame type %d is not a body frame", f.Type)
	}
	return &BodyFrame{Channel: f.Channel, Body: f.Payload}, nil
}

// Frame serializes the body frame back into the generic envelope.
func (b *BodyFrame) Frame() Frame {
	return Frame{Type: FrameBody, Channel: b.Channel, Payload: b.Body}
}

// HeartbeatFrame has an empty payload and is pinned to channel 0.
type HeartbeatFrame struct{}

// ParseHeartbeatFrame converts a generic frame into a heartbeat frame.
func ParseHeartbeatFrame(f Frame) (*HeartbeatFrame, error) {
	if f.Type != FrameHeartbeat {
		return nil, protocolErrorf("frame type %d is not a heartbeat frame", f.Type)
	}
	return &HeartbeatFrame{}, nil
}

// Frame serializes the heartbeat frame back into the generic envelope.
func (*HeartbeatFrame) Frame() Frame {
	return Frame{Type: FrameHeartbeat, Channel: 0}
}
