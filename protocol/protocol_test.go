package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"PING","ts":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameAcceptsEmptyFrame(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestControlFrameCarriesMessageType(t *testing.T) {
	frame, err := EncodeControl(Ping{Type: TypePing, TS: 1000})
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Kind != FrameControl {
		t.Fatalf("expected control frame, got %s", decoded.Kind)
	}
	msgType, err := DecodeMessageType(decoded.Body)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("unexpected type %q", msgType)
	}
}

func TestBinaryFrameKeepsChunkBytes(t *testing.T) {
	chunk := []byte{0x00, 0x7b, 0x22, 0xff}
	decoded, err := DecodeFrame(EncodeBinary(chunk))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Kind != FrameBinary {
		t.Fatalf("expected binary frame, got %s", decoded.Kind)
	}
	if !bytes.Equal(decoded.Body, chunk) {
		t.Fatalf("chunk mismatch")
	}
}

func TestDecodeFrameRejectsMalformedInput(t *testing.T) {
	if _, err := DecodeFrame(nil); err != ErrEmptyFrame {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	if _, err := DecodeFrame([]byte{0x09, 0x01}); !errors.Is(err, ErrUnknownFrameKind) {
		t.Fatalf("expected ErrUnknownFrameKind, got %v", err)
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"ts":1}`)); err != ErrInvalidMessageType {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error for malformed payload")
	}
}

func TestValidFilesDropsInvalidAndDuplicateEntries(t *testing.T) {
	files := ValidFiles([]FileMeta{
		{ID: "a", Name: "a.txt", Size: 3, Type: "text/plain"},
		{ID: "", Name: "missing-id.txt", Size: 1},
		{ID: "b", Name: "", Size: 1},
		{ID: "c", Name: "negative.bin", Size: -5},
		{ID: "a", Name: "dup.txt", Size: 9},
		{ID: "d", Name: "empty.bin", Size: 0},
	})

	if len(files) != 2 {
		t.Fatalf("expected 2 valid files, got %d: %+v", len(files), files)
	}
	if files[0].ID != "a" || files[0].Name != "a.txt" {
		t.Fatalf("expected first occurrence of a to be kept, got %+v", files[0])
	}
	if files[1].ID != "d" {
		t.Fatalf("expected zero-size file to be valid, got %+v", files[1])
	}
}
