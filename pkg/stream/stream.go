// Package stream provides buffered readers and writers that track their own
// offset in the underlying stream, so callers can compute record boundaries
// without issuing extra seek calls.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultBufferSize is the buffer size used by readers and writers
const DefaultBufferSize = 64 * 1024 // 64KB

var (
	// ErrNegativePosition is returned when a seek would move before the start of the stream
	ErrNegativePosition = errors.New("negative stream position")
	// ErrInvalidWhence is returned for an unknown seek origin
	ErrInvalidWhence = errors.New("invalid seek whence")
)

// Source is a seekable byte source. *os.File and *bytes.Reader implement it.
type Source interface {
	io.Reader
	io.Seeker
}

// Sink is a seekable byte sink. *os.File implements it.
type Sink interface {
	io.Writer
	io.Seeker
}

type syncer interface {
	Sync() error
}

// Reader is a buffered reader that knows its logical position in the source
type Reader struct {
	src Source
	buf *bufio.Reader
	pos int64
}

// NewReader wraps src, starting at its current position
func NewReader(src Source) (*Reader, error) {
	pos, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to determine stream position: %w", err)
	}

	return &Reader{
		src: src,
		buf: bufio.NewReaderSize(src, DefaultBufferSize),
		pos: pos,
	}, nil
}

// Read reads into p and advances the tracked position by the bytes read
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.buf.Read(p)
	r.pos += int64(n)
	return n, err
}

// Seek moves the reader and discards any buffered data. SeekCurrent is
// relative to the logical position, not to the buffered underlying offset.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekCurrent {
		offset += r.pos
		whence = io.SeekStart
	}
	if whence != io.SeekStart && whence != io.SeekEnd {
		return r.pos, fmt.Errorf("%w: %d", ErrInvalidWhence, whence)
	}
	if whence == io.SeekStart && offset < 0 {
		return r.pos, fmt.Errorf("%w: %d", ErrNegativePosition, offset)
	}

	pos, err := r.src.Seek(offset, whence)
	if err != nil {
		return r.pos, err
	}

	r.buf.Reset(r.src)
	r.pos = pos
	return pos, nil
}

// Position returns the logical offset of the next byte to be read
func (r *Reader) Position() int64 {
	return r.pos
}

// Close closes the underlying source if it is closable
func (r *Reader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Writer is a buffered writer that knows its logical position in the sink
type Writer struct {
	dst Sink
	buf *bufio.Writer
	pos int64
}

// NewWriter wraps dst, starting at its current position. Files opened with
// O_APPEND must be seeked to their end first.
func NewWriter(dst Sink) (*Writer, error) {
	pos, err := dst.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to determine stream position: %w", err)
	}

	return &Writer{
		dst: dst,
		buf: bufio.NewWriterSize(dst, DefaultBufferSize),
		pos: pos,
	}, nil
}

// Write buffers p and advances the tracked position by the bytes accepted
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.pos += int64(n)
	return n, err
}

// Seek flushes pending data and moves the writer
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	if err := w.buf.Flush(); err != nil {
		return w.pos, err
	}

	if whence == io.SeekCurrent {
		offset += w.pos
		whence = io.SeekStart
	}
	if whence != io.SeekStart && whence != io.SeekEnd {
		return w.pos, fmt.Errorf("%w: %d", ErrInvalidWhence, whence)
	}
	if whence == io.SeekStart && offset < 0 {
		return w.pos, fmt.Errorf("%w: %d", ErrNegativePosition, offset)
	}

	pos, err := w.dst.Seek(offset, whence)
	if err != nil {
		return w.pos, err
	}

	w.pos = pos
	return pos, nil
}

// Position returns the logical offset at which the next byte will be written
func (w *Writer) Position() int64 {
	return w.pos
}

// Buffered returns the number of bytes not yet handed to the sink
func (w *Writer) Buffered() int {
	return w.buf.Buffered()
}

// Flush hands all buffered bytes to the sink
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Sync flushes and, when the sink supports it, commits the data to stable storage
func (w *Writer) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if s, ok := w.dst.(syncer); ok {
		return s.Sync()
	}
	return nil
}

// Close flushes pending data and closes the sink if it is closable
func (w *Writer) Close() error {
	flushErr := w.buf.Flush()

	var closeErr error
	if c, ok := w.dst.(io.Closer); ok {
		closeErr = c.Close()
	}

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
