package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
)

func TestFrameWriterReader(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{
			name:    "small message",
			payload: []byte("hello"),
		},
		{
			name:    "max size message",
			payload: bytes.Repeat([]byte("y"), DefaultMaxMessageSize),
		},
		{
			name:    "single byte",
			payload: []byte{0x42},
		},
		{
			name:    "binary data",
			payload: []byte{0x00, 0xFF, 0x7F, 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)

			if err := NewFrameWriter(buf, 0).WriteFrame(tt.payload); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if buf.Len() != FrameSize(len(tt.payload)) {
				t.Errorf("frame size = %d, want %d", buf.Len(), FrameSize(len(tt.payload)))
			}
			if got := binary.BigEndian.Uint32(buf.Bytes()[:LengthPrefixSize]); got != uint32(len(tt.payload)) {
				t.Errorf("length prefix = %d, want %d", got, len(tt.payload))
			}

			got, err := NewFrameReader(buf, 0).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(got), len(tt.payload))
			}
		})
	}
}

func TestFrameWriterLimits(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewFrameWriter(buf, 100)

	if err := writer.WriteFrame(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("expected ErrMessageEmpty, got %v", err)
	}
	if err := writer.WriteFrame(bytes.Repeat([]byte("x"), 101)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	if err := NewFrameWriter(buf, 0).WriteFrame(make([]byte, DefaultMaxMessageSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge above 64 KiB, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("rejected frames wrote %d bytes", buf.Len())
	}
}

func TestFrameReaderErrors(t *testing.T) {
	frame := func(length uint32, payload []byte) []byte {
		var b [LengthPrefixSize]byte
		binary.BigEndian.PutUint32(b[:], length)
		return append(b[:], payload...)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too large", frame(1000, bytes.Repeat([]byte("x"), 1000)), ErrMessageTooLarge},
		{"zero length", frame(0, nil), ErrMessageEmpty},
		{"truncated prefix", []byte{0x00, 0x00}, ErrFrameTruncated},
		{"truncated payload", frame(10, []byte("abc")), ErrFrameTruncated},
		{"clean eof", nil, io.EOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrameReader(bytes.NewReader(tt.data), 100).ReadFrame()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFrameReaderMultipleFrames(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewFrameWriter(buf, 0)
	messages := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, msg := range messages {
		if err := writer.WriteFrame(msg); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	reader := NewFrameReader(buf, 0)
	for i, want := range messages {
		got, err := reader.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}
}

func TestFrameWriterConcurrent(t *testing.T) {
	buf := new(bytes.Buffer)
	var bufMu sync.Mutex
	writer := NewFrameWriter(writerFunc(func(p []byte) (int, error) {
		bufMu.Lock()
		defer bufMu.Unlock()
		return buf.Write(p)
	}), 0)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = writer.WriteFrame(bytes.Repeat([]byte{byte(i)}, 100+i))
		}(i)
	}
	wg.Wait()

	reader := NewFrameReader(buf, 0)
	for range n {
		frame, err := reader.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if len(frame) != 100+int(frame[0]) {
			t.Fatalf("interleaved frame: len %d for id %d", len(frame), frame[0])
		}
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
