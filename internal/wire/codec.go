// Package wire implements the length-prefixed JSON framing shared by every
// mini-protocol, and the typed message variants exchanged on it.
//
// Framing: a 4-byte big-endian length prefix followed by a UTF-8 JSON
// payload. Payloads over MaxFrameSize are rejected and the stream closed
// (spec §4.2, §6).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the hard cap on a single framed payload: 16 MiB.
const MaxFrameSize = 16 * 1024 * 1024

const lengthPrefixSize = 4

// ErrFrameTooLarge is returned when a peer announces a payload exceeding
// MaxFrameSize; the caller must close the stream.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d byte cap", MaxFrameSize)

// ErrMalformedFrame wraps a payload that fails to decode as the expected
// message shape — malformed framing per spec §7's Protocol error kind,
// as distinct from an ordinary I/O failure (peer disconnected mid-read).
var ErrMalformedFrame = fmt.Errorf("wire: malformed frame payload")

// WriteFrame encodes v as JSON and writes it to w as a length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal payload: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into v.
// It enforces MaxFrameSize before reading the payload so an adversarial
// peer cannot force an unbounded allocation.
func ReadFrame(r io.Reader, v any) error {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("wire: read payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: unmarshal payload: %w: %w", ErrMalformedFrame, err)
	}
	return nil
}
