// Package frame implements the long-link wire codec.
//
// Wire layout, big-endian:
//
//	version(4) | command_id(4) | task_id(4) | body_len(2) | body(body_len)
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/imlink/internal/buffer"
)

const (
	HeaderLen      = 4 + 4 + 4 + 2
	DefaultVersion = uint32(100)
	MaxBodyLen     = 0xFFFF

	// IdentifyTaskID tags frames that carry the identify exchange.
	IdentifyTaskID = uint32(0xFFFFFFFE)
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrVersionMismatch = errors.New("frame: version mismatch")
	ErrBodyTooLarge    = errors.New("frame: body too large")
)

// DecodeStatus is the outcome of one Decode call.
type DecodeStatus uint8

const (
	// DecodeContinue means more bytes are needed; keep the input and retry.
	DecodeContinue DecodeStatus = iota
	// DecodeOK means one frame was decoded.
	DecodeOK
	// DecodeFail is a protocol violation; the link must be torn down.
	DecodeFail
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeContinue:
		return "continue"
	case DecodeOK:
		return "ok"
	case DecodeFail:
		return "fail"
	default:
		return fmt.Sprintf("DecodeStatus(%d)", uint8(s))
	}
}

// Header is the fixed wire header.
type Header struct {
	Version uint32
	CmdID   uint32
	TaskID  uint32
	BodyLen uint16
}

// FrameLen is the number of wire bytes covered by the header and its body.
func (h Header) FrameLen() int {
	return HeaderLen + int(h.BodyLen)
}

// Frame is one decoded wire message.
type Frame struct {
	CmdID  uint32
	TaskID uint32
	Body   []byte
}

// Codec translates between frames and wire bytes.
type Codec interface {
	// Encode writes a header and body into out. extend is reserved for
	// out-of-band data and is not written to the wire.
	Encode(cmdID, taskID uint32, body, extend, out *buffer.Buffer) error

	// Decode parses at most one frame starting at the cursor of in. On
	// DecodeOK the body is appended to body and the caller advances in
	// past Header.FrameLen() bytes.
	Decode(in, body, extend *buffer.Buffer) (Header, DecodeStatus)
}

// DefaultCodec is the fixed-header codec bound to one protocol version.
type DefaultCodec struct {
	version uint32
}

var _ Codec = (*DefaultCodec)(nil)

func NewCodec(version uint32) *DefaultCodec {
	return &DefaultCodec{version: version}
}

func (c *DefaultCodec) Version() uint32 {
	return c.version
}

func (c *DefaultCodec) Encode(cmdID, taskID uint32, body, extend, out *buffer.Buffer) error {
	var payload []byte
	if body != nil {
		payload = body.Bytes(0)
	}
	if len(payload) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(payload))
	}
	h := Header{Version: c.version, CmdID: cmdID, TaskID: taskID, BodyLen: uint16(len(payload))}
	out.Reserve(h.FrameLen())
	out.Write(EncodeHeader(h))
	out.Write(payload)
	return nil
}

func (c *DefaultCodec) Decode(in, body, extend *buffer.Buffer) (Header, DecodeStatus) {
	b := in.CursorBytes()
	h, err := ParseHeader(b, c.version)
	switch {
	case errors.Is(err, ErrShortHeader):
		return Header{}, DecodeContinue
	case err != nil:
		return Header{}, DecodeFail
	}
	if len(b) < h.FrameLen() {
		return Header{}, DecodeContinue
	}
	body.Write(b[HeaderLen:h.FrameLen()])
	return h, DecodeOK
}

// ParseHeader reads a header from the front of b and checks its version.
func ParseHeader(b []byte, version uint32) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := DecodeHeader(b[:HeaderLen])
	if h.Version != version {
		return h, fmt.Errorf("%w: got=%d want=%d", ErrVersionMismatch, h.Version, version)
	}
	return h, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Version)
	binary.BigEndian.PutUint32(buf[4:8], h.CmdID)
	binary.BigEndian.PutUint32(buf[8:12], h.TaskID)
	binary.BigEndian.PutUint16(buf[12:14], h.BodyLen)
	return buf
}

// DecodeHeader reads the fixed fields without validation. b must hold HeaderLen bytes.
func DecodeHeader(b []byte) Header {
	return Header{
		Version: binary.BigEndian.Uint32(b[0:4]),
		CmdID:   binary.BigEndian.Uint32(b[4:8]),
		TaskID:  binary.BigEndian.Uint32(b[8:12]),
		BodyLen: binary.BigEndian.Uint16(b[12:14]),
	}
}
