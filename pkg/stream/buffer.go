package stream

import (
	"fmt"
	"io"
)

// Buffer is an in-memory Source and Sink. Writes past the end grow the
// buffer; writes inside it overwrite existing bytes.
type Buffer struct {
	data []byte
	off  int64
}

// NewBuffer returns a Buffer holding a copy of data, positioned at the start
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: append([]byte(nil), data...)}
}

// Read implements io.Reader
func (b *Buffer) Read(p []byte) (int, error) {
	if b.off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += int64(n)
	return n, nil
}

// Write implements io.Writer
func (b *Buffer) Write(p []byte) (int, error) {
	end := b.off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.off:], p)
	b.off = end
	return len(p), nil
}

// Seek implements io.Seeker
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = int64(len(b.data)) + offset
	default:
		return b.off, fmt.Errorf("%w: %d", ErrInvalidWhence, whence)
	}
	if abs < 0 {
		return b.off, fmt.Errorf("%w: %d", ErrNegativePosition, abs)
	}
	b.off = abs
	return abs, nil
}

// Bytes returns the buffer contents
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the size of the buffer contents
func (b *Buffer) Len() int {
	return len(b.data)
}

// Truncate shrinks the contents to n bytes
func (b *Buffer) Truncate(n int) {
	if n < len(b.data) {
		b.data = b.data[:n]
	}
	if b.off > int64(len(b.data)) {
		b.off = int64(len(b.data))
	}
}
