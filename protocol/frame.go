package protocol

import "fmt"

// FrameKind tags one channel message as a control message or a raw chunk.
type FrameKind byte

const (
	FrameControl FrameKind = 0x00
	FrameBinary  FrameKind = 0x01
)

func (k FrameKind) String() string {
	switch k {
	case FrameControl:
		return "control"
	case FrameBinary:
		return "binary"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// Frame is one decoded channel message.
type Frame struct {
	Kind FrameKind
	Body []byte
}

// EncodeControl marshals a control message into a tagged channel frame.
func EncodeControl(message any) ([]byte, error) {
	payload, err := EncodeJSON(message)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(FrameControl))
	return append(frame, payload...), nil
}

// EncodeBinary wraps a raw chunk into a tagged channel frame.
func EncodeBinary(chunk []byte) []byte {
	frame := make([]byte, 0, len(chunk)+1)
	frame = append(frame, byte(FrameBinary))
	return append(frame, chunk...)
}

// DecodeFrame splits a channel frame into its kind and body. The body aliases the input.
func DecodeFrame(frame []byte) (Frame, error) {
	if len(frame) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	kind := FrameKind(frame[0])
	switch kind {
	case FrameControl, FrameBinary:
		return Frame{Kind: kind, Body: frame[1:]}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrameKind, frame[0])
	}
}
