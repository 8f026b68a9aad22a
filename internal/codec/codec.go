// Package codec implements the framed JSON wire format shared by the host
// and guest: a 4-byte big-endian length prefix followed by that many bytes
// of UTF-8 JSON. The codec is symmetric — the same framing carries
// requests, responses, and streaming frames in either direction.
package codec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the hard ceiling on a single frame's declared length.
// Declared here (rather than importing protocol) so the codec has no
// dependency on message shapes; protocol.MaxFrameSize carries the same
// value for callers that want a single source of truth.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a declared frame length exceeds
// MaxFrameSize. The receiver must detect this before allocating.
var ErrFrameTooLarge = fmt.Errorf("codec: frame too large (max %d bytes)", MaxFrameSize)

// Conn wraps a byte stream with framed read/write operations.
type Conn struct {
	r *bufio.Reader
	w io.Writer
}

// NewConn wraps rw for framed I/O.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: rw}
}

// ReadFrame reads one length-prefixed JSON frame and decodes it into v.
// A clean EOF on the length header (no bytes read yet) is returned
// verbatim as io.EOF so callers can treat idle-close as non-error at
// request boundaries.
func (c *Conn) ReadFrame(v any) error {
	raw, err := c.ReadRaw()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("codec: decode frame: %w", err)
	}
	return nil
}

// ReadRaw reads one length-prefixed frame and returns its raw JSON bytes.
func (c *Conn) ReadRaw() ([]byte, error) {
	var header [4]byte
	n, err := io.ReadFull(c.r, header[:])
	if err != nil {
		if n == 0 && err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("codec: read payload: %w", err)
	}
	return buf, nil
}

// WriteFrame encodes v as JSON and writes it as one length-prefixed frame.
func (c *Conn) WriteFrame(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encode frame: %w", err)
	}
	return c.WriteRaw(payload)
}

// WriteRaw writes a pre-encoded JSON payload as one length-prefixed frame.
func (c *Conn) WriteRaw(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("codec: write header: %w", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("codec: write payload: %w", err)
	}
	return nil
}
