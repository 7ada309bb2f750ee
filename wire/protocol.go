// Package wire implements the framed binary protocol used on every socket
// the transport and keymaster packages hand-roll themselves: the
// request/reply state endpoint and the tcp/ipc publish endpoints. A message
// is a sequence of length-prefixed frames, letting the state endpoint send a
// key frame plus optional value/create frames, and the publish endpoint send
// exactly two (topic, payload).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderLength is the size of a single frame's length prefix.
const frameHeaderLength = 4

// maxFrameLength bounds a single frame's payload; generous for a
// serialized subtree, small enough to reject a corrupt stream quickly.
const maxFrameLength = 16 * 1024 * 1024

// maxFrameCount bounds the number of frames in one message.
const maxFrameCount = 255

// WriteMessage writes frames to w as: [1 byte frame count] then, per frame,
// [4 byte big-endian length][payload].
func WriteMessage(w io.Writer, frames [][]byte) error {
	if len(frames) > maxFrameCount {
		return fmt.Errorf("wire: %d frames exceeds maximum %d", len(frames), maxFrameCount)
	}
	if _, err := w.Write([]byte{byte(len(frames))}); err != nil {
		return fmt.Errorf("wire: write frame count: %w", err)
	}
	for _, frame := range frames {
		var header [frameHeaderLength]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
		if _, err := w.Write(header[:]); err != nil {
			return fmt.Errorf("wire: write frame header: %w", err)
		}
		if len(frame) > 0 {
			if _, err := w.Write(frame); err != nil {
				return fmt.Errorf("wire: write frame payload: %w", err)
			}
		}
	}
	return nil
}

// ReadMessage reads a framed message from r as written by WriteMessage.
func ReadMessage(r io.Reader) ([][]byte, error) {
	var countByte [1]byte
	if _, err := io.ReadFull(r, countByte[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame count: %w", err)
	}
	count := int(countByte[0])

	frames := make([][]byte, count)
	for i := 0; i < count; i++ {
		var header [frameHeaderLength]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("wire: read frame header: %w", err)
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxFrameLength {
			return nil, fmt.Errorf("wire: frame length %d exceeds maximum %d", length, maxFrameLength)
		}
		frame := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, frame); err != nil {
				return nil, fmt.Errorf("wire: read frame payload: %w", err)
			}
		}
		frames[i] = frame
	}
	return frames, nil
}
