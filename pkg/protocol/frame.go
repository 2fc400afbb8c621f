package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed body size of a single frame (10,000 bytes),
	// excluding the 4-byte length header.
	MaxFrameSize = 10000

	// HeaderSize is the size of the big-endian length prefix
	HeaderSize = 4
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size (10000 bytes)")
	ErrTruncatedFrame = errors.New("truncated frame")
)

// WriteFrame writes body prefixed with its length.
// Format: [Length (4 bytes, big-endian)][Body (N bytes)]
//
// Header and body go out in a single Write so that a frame is never split
// across two writes on a shared connection.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(body))
	WriteUint32(&buf, uint32(len(body)))
	buf.Write(body)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed frame body from r.
//
// A clean end of stream before any header byte returns io.EOF. A header
// declaring more than MaxFrameSize returns ErrFrameTooLarge without reading
// the body. A stream that ends inside a header or body returns ErrTruncatedFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	length, err := ReadUint32(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short header", ErrTruncatedFrame)
		}
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: header declares %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: expected %d bytes", ErrTruncatedFrame, length)
			}
			return nil, err
		}
	}

	return body, nil
}

// ReadUint32 reads a big-endian uint32
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}
