package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

type sample struct {
	Method string `json:"method"`
	Value  int    `json:"value"`
}

func TestRoundTrip(t *testing.T) {
	tests := []sample{
		{Method: "Ping", Value: 0},
		{Method: "Pull", Value: 42},
		{Method: "", Value: -1},
	}

	for _, want := range tests {
		buf := &bytes.Buffer{}
		conn := NewConn(buf)
		if err := conn.WriteFrame(want); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}

		var got sample
		if err := conn.ReadFrame(&got); err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got != want {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestReadFrame_EOFAtBoundary(t *testing.T) {
	conn := NewConn(&bytes.Buffer{})
	var v sample
	if err := conn.ReadFrame(&v); err != io.EOF {
		t.Fatalf("expected io.EOF on idle close, got %v", err)
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	buf := &bytes.Buffer{}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	buf.Write(header[:])

	conn := NewConn(buf)
	var v sample
	err := conn.ReadFrame(&v)
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrame_ShortHeaderMidMessage(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x00})
	conn := NewConn(buf)
	var v sample
	err := conn.ReadFrame(&v)
	if err == nil {
		t.Fatal("expected error on truncated header")
	}
	if err == io.EOF {
		t.Fatal("truncated header mid-message must not be silently treated as clean EOF")
	}
}
