package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// DefaultMaxFrameSize fits a compressed camera frame with room to spare.
const DefaultMaxFrameSize = 8 << 20

const frameHeaderLen = 6

var frameMagic = [2]byte{0x4B, 0x57}

type readFullFunc func(buf []byte) error

func encodeFrame(payload []byte, maxSize int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	if maxSize <= 0 || int64(maxSize) > math.MaxUint32 {
		maxSize = DefaultMaxFrameSize
	}
	if len(payload) > maxSize {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), maxSize)
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = frameMagic[0]
	frame[1] = frameMagic[1]
	// #nosec G115 -- length is bounded by maxSize above.
	binary.BigEndian.PutUint32(frame[2:frameHeaderLen], uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)

	return frame, nil
}

func readFrame(readFull readFullFunc, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if err := resyncToMagic(readFull); err != nil {
		return nil, err
	}

	var lenBuf [4]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := binary.BigEndian.Uint32(lenBuf[:])
	if ln == 0 {
		return nil, fmt.Errorf("invalid frame length: 0")
	}
	if uint64(ln) > uint64(maxSize) {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", ln, maxSize)
	}

	payload := make([]byte, ln)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func resyncToMagic(readFull readFullFunc) error {
	buf := make([]byte, 1)
	matchedFirst := false
	for {
		if err := readFull(buf); err != nil {
			return fmt.Errorf("read frame magic: %w", err)
		}
		switch {
		case matchedFirst && buf[0] == frameMagic[1]:
			return nil
		case buf[0] == frameMagic[0]:
			matchedFirst = true
		default:
			matchedFirst = false
		}
	}
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)

		return err
	}
}
