package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxPlaintextSize is the largest plaintext whose sealed form still fits in one frame.
const MaxPlaintextSize = MaxFrameSize - Overhead

// ErrInvalidText is returned by DecodeText for payloads that are not valid UTF-8.
var ErrInvalidText = fmt.Errorf("%w: payload is not valid UTF-8", ErrTransform)

// Codec turns plaintext messages into sealed frames and back.
type Codec struct {
	cipher *Cipher
}

// NewCodec creates a Codec bound to key.
func NewCodec(key Key) (*Codec, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Codec{cipher: c}, nil
}

// Seal returns the frame body for plaintext (without the length header).
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("%w: plaintext of %d bytes seals past the limit", ErrFrameTooLarge, len(plaintext))
	}
	return c.cipher.Seal(plaintext)
}

// Encode returns the complete wire frame for plaintext: length header plus sealed body.
// Every call uses a fresh nonce, so encoding the same message twice yields different bytes.
func (c *Codec) Encode(plaintext []byte) ([]byte, error) {
	body, err := c.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode opens a frame body produced by Seal.
func (c *Codec) Decode(body []byte) ([]byte, error) {
	return c.cipher.Open(body)
}

// DecodeText opens a frame body and requires the result to be UTF-8 text.
func (c *Codec) DecodeText(body []byte) (string, error) {
	plaintext, err := c.Decode(body)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", ErrInvalidText
	}
	return string(plaintext), nil
}

// WriteMessage seals plaintext and writes it as one frame.
func (c *Codec) WriteMessage(w io.Writer, plaintext []byte) error {
	frame, err := c.Encode(plaintext)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame from r and opens it.
func (c *Codec) ReadMessage(r io.Reader) ([]byte, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return c.Decode(body)
}
