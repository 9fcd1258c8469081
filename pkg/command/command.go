// Package command encodes and decodes the records of the command log.
//
// Every record is framed as
//
//	length (4 bytes) | checksum (8 bytes) | payload (length bytes)
//
// where checksum is the xxhash64 of the payload and the payload holds
//
//	kind (1 byte) | key length (4 bytes) | key | value length (4 bytes) | value
//
// The value fields are only present for Set records. All integers are
// little-endian. Because the frame carries its own length, a decoder always
// knows exactly how many bytes a record occupies.
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

const (
	// HeaderSize is the size of the frame header: length(4) + checksum(8)
	HeaderSize = 12

	// MaxRecordSize is the largest payload a record may carry
	MaxRecordSize = 64 * 1024 * 1024 // 64MB

	minPayloadSize = 1 + 4 // kind + key length
)

var (
	// ErrCorruptRecord is returned when a record's bytes cannot be a valid record
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrTruncatedRecord is returned when the stream ends inside a record
	ErrTruncatedRecord = fmt.Errorf("truncated record: %w", io.ErrUnexpectedEOF)
	// ErrUnknownKind is returned for a record kind this version does not know
	ErrUnknownKind = errors.New("unknown command kind")
	// ErrRecordTooLarge is returned when encoding a record over MaxRecordSize
	ErrRecordTooLarge = errors.New("record too large")
)

// Kind identifies the type of a command
type Kind uint8

const (
	// KindSet stores a value for a key
	KindSet Kind = 1
	// KindRemove deletes a key
	KindRemove Kind = 2
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindRemove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Command is a single immutable entry of the command log
type Command struct {
	Kind  Kind
	Key   string
	Value string
}

// Set returns a command storing value under key
func Set(key, value string) Command {
	return Command{Kind: KindSet, Key: key, Value: value}
}

// Remove returns a command deleting key
func Remove(key string) Command {
	return Command{Kind: KindRemove, Key: key}
}

func (c Command) payloadSize() int {
	size := minPayloadSize + len(c.Key)
	if c.Kind == KindSet {
		size += 4 + len(c.Value)
	}
	return size
}

// EncodedSize returns the number of bytes the framed command occupies
func (c Command) EncodedSize() int64 {
	return int64(HeaderSize + c.payloadSize())
}

// Marshal returns the framed encoding of the command
func Marshal(c Command) ([]byte, error) {
	if c.Kind != KindSet && c.Kind != KindRemove {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, c.Kind)
	}

	payloadSize := c.payloadSize()
	if payloadSize > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, payloadSize, MaxRecordSize)
	}

	buf := make([]byte, HeaderSize+payloadSize)
	payload := buf[HeaderSize:]
	offset := 0

	payload[offset] = byte(c.Kind)
	offset++

	binary.LittleEndian.PutUint32(payload[offset:offset+4], uint32(len(c.Key)))
	offset += 4
	offset += copy(payload[offset:], c.Key)

	if c.Kind == KindSet {
		binary.LittleEndian.PutUint32(payload[offset:offset+4], uint32(len(c.Value)))
		offset += 4
		copy(payload[offset:], c.Value)
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(payloadSize))
	binary.LittleEndian.PutUint64(buf[4:12], xxhash.Sum64(payload))

	return buf, nil
}

// Encode writes the framed command to w and returns the number of bytes written
func Encode(w io.Writer, c Command) (int64, error) {
	buf, err := Marshal(c)
	if err != nil {
		return 0, err
	}

	n, err := w.Write(buf)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write %s record: %w", c.Kind, err)
	}
	return int64(n), nil
}

// Decode reads one record from r and reports how many bytes it consumed.
// A stream that ends before any byte of the record returns io.EOF; a stream
// that ends inside the record returns ErrTruncatedRecord.
func Decode(r io.Reader) (Command, int64, error) {
	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if err == io.EOF {
			return Command{}, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Command{}, int64(n), fmt.Errorf("%w: header has %d of %d bytes", ErrTruncatedRecord, n, HeaderSize)
		}
		return Command{}, int64(n), err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	checksum := binary.LittleEndian.Uint64(header[4:12])

	if length > MaxRecordSize {
		return Command{}, HeaderSize, fmt.Errorf("%w: payload length %d exceeds %d", ErrCorruptRecord, length, MaxRecordSize)
	}

	payload := make([]byte, length)
	m, err := io.ReadFull(r, payload)
	consumed := int64(HeaderSize + m)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Command{}, consumed, fmt.Errorf("%w: payload has %d of %d bytes", ErrTruncatedRecord, m, length)
		}
		return Command{}, consumed, err
	}

	if computed := xxhash.Sum64(payload); computed != checksum {
		return Command{}, consumed, fmt.Errorf("%w: expected checksum %x, got %x", ErrCorruptRecord, checksum, computed)
	}

	cmd, err := parsePayload(payload)
	if err != nil {
		return Command{}, consumed, err
	}
	return cmd, consumed, nil
}

// DecodeBounded decodes exactly one record that must occupy exactly n bytes of r
func DecodeBounded(r io.Reader, n int64) (Command, error) {
	if n < HeaderSize+minPayloadSize {
		return Command{}, fmt.Errorf("%w: range of %d bytes cannot hold a record", ErrCorruptRecord, n)
	}

	cmd, consumed, err := Decode(io.LimitReader(r, n))
	if err != nil {
		if err == io.EOF {
			return Command{}, ErrTruncatedRecord
		}
		return Command{}, err
	}
	if consumed != n {
		return Command{}, fmt.Errorf("%w: record spans %d bytes, expected %d", ErrCorruptRecord, consumed, n)
	}
	return cmd, nil
}

// parsePayload parses the payload of a verified frame
func parsePayload(data []byte) (Command, error) {
	if len(data) < minPayloadSize {
		return Command{}, fmt.Errorf("%w: payload too small, %d bytes", ErrCorruptRecord, len(data))
	}

	offset := 0
	kind := Kind(data[offset])
	offset++

	if kind != KindSet && kind != KindRemove {
		return Command{}, fmt.Errorf("%w: %w: %d", ErrCorruptRecord, ErrUnknownKind, uint8(kind))
	}

	keyLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if keyLen > len(data)-offset {
		return Command{}, fmt.Errorf("%w: invalid key length %d", ErrCorruptRecord, keyLen)
	}
	key := string(data[offset : offset+keyLen])
	offset += keyLen

	cmd := Command{Kind: kind, Key: key}

	if kind == KindSet {
		if len(data)-offset < 4 {
			return Command{}, fmt.Errorf("%w: missing value length", ErrCorruptRecord)
		}
		valueLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if valueLen > len(data)-offset {
			return Command{}, fmt.Errorf("%w: invalid value length %d", ErrCorruptRecord, valueLen)
		}
		cmd.Value = string(data[offset : offset+valueLen])
		offset += valueLen
	}

	if offset != len(data) {
		return Command{}, fmt.Errorf("%w: %d trailing payload bytes", ErrCorruptRecord, len(data)-offset)
	}

	return cmd, nil
}
