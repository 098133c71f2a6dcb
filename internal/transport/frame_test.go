package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadFrameResyncsToMagic(t *testing.T) {
	want := []byte{0x01, 0x02, 0x03}
	raw := bytes.NewBuffer([]byte{
		0x00, 0x11, frameMagic[0], 0x22, // noise, including a lone first magic byte
		frameMagic[0], frameMagic[0], frameMagic[1],
		0x00, 0x00, 0x00, 0x03,
		0x01, 0x02, 0x03,
	})

	got, err := readFrame(ioReadFullFunc(raw), 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %x want %x", got, want)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameMagic[0], frameMagic[1],
		0x00, 0x00, 0x00, 0x00,
	})

	_, err := readFrame(ioReadFullFunc(raw), 0)
	if err == nil {
		t.Fatalf("expected error for zero-length frame, got nil")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameMagic[0], frameMagic[1],
		0x00, 0x00, 0x01, 0x00,
	})

	_, err := readFrame(ioReadFullFunc(raw), 16)
	if err == nil {
		t.Fatalf("expected error for oversized frame, got nil")
	}
}

func TestEncodeFramePayloadTooLarge(t *testing.T) {
	payload := make([]byte, 17)
	if _, err := encodeFrame(payload, 16); err == nil {
		t.Fatalf("expected payload size error, got nil")
	}
}

func TestEncodeFrameRejectsEmptyPayload(t *testing.T) {
	if _, err := encodeFrame(nil, 0); err == nil {
		t.Fatalf("expected empty payload error, got nil")
	}
}

func TestEncodeFrameLargerThanUint16(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 70000)
	frame, err := encodeFrame(payload, 0)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	got, err := readFrame(ioReadFullFunc(bytes.NewReader(frame)), 0)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestReadFramePayloadEOF(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameMagic[0], frameMagic[1],
		0x00, 0x00, 0x00, 0x04,
		0x01, 0x02,
	})

	_, err := readFrame(ioReadFullFunc(raw), 0)
	if err == nil {
		t.Fatalf("expected payload read error, got nil")
	}
	if errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped unexpected EOF, got raw io.EOF")
	}
}
