package frame

import (
	"errors"
	"fmt"
	"io"
)

// ReadFrame reads exactly one frame from a blocking stream.
func ReadFrame(r io.Reader, version uint32) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := ParseHeader(fixed[:], version)
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}
	return Frame{CmdID: h.CmdID, TaskID: h.TaskID, Body: body}, nil
}

// WriteFrame writes f as a single wire frame.
func WriteFrame(w io.Writer, version uint32, f Frame) error {
	if len(f.Body) > MaxBodyLen {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(f.Body))
	}
	out := EncodeHeader(Header{
		Version: version,
		CmdID:   f.CmdID,
		TaskID:  f.TaskID,
		BodyLen: uint16(len(f.Body)),
	})
	out = append(out, f.Body...)
	_, err := w.Write(out)
	return err
}
