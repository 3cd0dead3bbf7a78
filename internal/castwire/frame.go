package castwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
)

const headerLen = 4

var (
	ErrEmptyNamespace = errors.New("castwire: message has no namespace")
	ErrMalformed      = errors.New("castwire: malformed message")
	ErrFrameTooLarge  = errors.New("castwire: frame too large")
	ErrShortHeader    = errors.New("castwire: short length header")
)

// Limits constrains frame decode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: 64 * 1024}
}

// Encode marshals msg and prefixes it with its big-endian body length.
func Encode(msg *CastMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("castwire: nil message")
	}
	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("castwire: marshal: %w", err)
	}

	out := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(out[:headerLen], uint32(len(body)))
	copy(out[headerLen:], body)
	return out, nil
}

// Decode unmarshals one frame body (without the length header).
func Decode(body []byte) (*CastMessage, error) {
	msg := &CastMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		if msg.GetNamespace() == "" {
			return nil, ErrEmptyNamespace
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.GetNamespace() == "" {
		return nil, ErrEmptyNamespace
	}
	return msg, nil
}

// IsDroppable reports whether err only invalidates the current frame.
func IsDroppable(err error) bool {
	return errors.Is(err, ErrEmptyNamespace) || errors.Is(err, ErrMalformed)
}

// ReadFrame reads one length-prefixed frame. The body is always consumed in
// full before decoding, so a droppable error leaves r at the next frame.
func ReadFrame(r io.Reader, limits Limits) (*CastMessage, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if limits.MaxFrameBytes > 0 && size > limits.MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// WriteFrame writes msg as a single frame with one Write call.
func WriteFrame(w io.Writer, msg *CastMessage) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
