package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's declared length, so a corrupt
// or hostile peer can't make a reader allocate an unbounded buffer.
const MaxFrameSize = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes v (a Message or Handshake) as one length-delimited
// frame: a 4-byte little-endian length prefix followed by its JSON
// encoding.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-delimited frame from r and unmarshals its
// payload into v (a pointer to a Message or Handshake).
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("wire: read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode frame: %w", err)
	}
	return nil
}

// WriteMessage frames and writes a Message.
func WriteMessage(w io.Writer, msg Message) error { return WriteFrame(w, msg) }

// ReadMessage reads and decodes one framed Message.
func ReadMessage(r io.Reader) (Message, error) {
	var msg Message
	err := ReadFrame(r, &msg)
	return msg, err
}

// WriteHandshake frames and writes a Handshake.
func WriteHandshake(w io.Writer, hs Handshake) error { return WriteFrame(w, hs) }

// ReadHandshake reads and decodes one framed Handshake.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hs Handshake
	err := ReadFrame(r, &hs)
	return hs, err
}
