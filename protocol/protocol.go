package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
)

const (
	TypeManifest          = "MANIFEST"
	TypeVerifyPassword    = "VERIFY_PASSWORD"
	TypePasswordCorrect   = "PASSWORD_CORRECT"
	TypePasswordIncorrect = "PASSWORD_INCORRECT"
	TypeRequestFile       = "REQUEST_FILE"
	TypeStartFile         = "START_FILE"
	TypeEndFile           = "END_FILE"
	TypePing              = "PING"
	TypePong              = "PONG"
	TypeText              = "TEXT"
	TypeNudge             = "NUDGE"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrEmptyFrame indicates a channel frame without a kind tag.
	ErrEmptyFrame = errors.New("protocol: empty frame")
	// ErrUnknownFrameKind indicates an unrecognised channel frame tag.
	ErrUnknownFrameKind = errors.New("protocol: unknown frame kind")
)

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// FileMeta describes one advertised file.
type FileMeta struct {
	ID   string `json:"id" validate:"required,max=1024"`
	Name string `json:"name" validate:"required,max=1024"`
	Size int64  `json:"size" validate:"min=0"`
	Type string `json:"type"`
}

// Manifest advertises the host's files or, when locked, only the lock state.
type Manifest struct {
	Type   string     `json:"type"`
	Locked bool       `json:"locked,omitempty"`
	Files  []FileMeta `json:"files,omitempty"`
}

// VerifyPassword asks the host to unlock the manifest.
type VerifyPassword struct {
	Type     string `json:"type"`
	Password string `json:"password"`
}

// RequestFile asks the host to stream one file.
type RequestFile struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// StartFile opens a transfer. A nil Size means the length is not known up front.
type StartFile struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Size *int64 `json:"size,omitempty"`
}

// EndFile closes a transfer.
type EndFile struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// Ping is a latency probe; Pong echoes its timestamp unchanged.
type Ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// Text is a chat line.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Signal is a control message with no payload (PASSWORD_CORRECT, PASSWORD_INCORRECT, NUDGE).
type Signal struct {
	Type string `json:"type"`
}

// EncodeJSON marshals a control message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
