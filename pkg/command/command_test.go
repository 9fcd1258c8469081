package command

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecodeSequence(t *testing.T) {
	commands := []Command{
		Set("key1", "value1"),
		Set("key2", ""),
		Remove("key1"),
		Set("", "empty key"),
		Set("unicode", "héllo wörld"),
	}

	var buf bytes.Buffer
	var offsets []int64
	var total int64
	for _, cmd := range commands {
		n, err := Encode(&buf, cmd)
		if err != nil {
			t.Fatalf("Failed to encode %v: %v", cmd, err)
		}
		if n != cmd.EncodedSize() {
			t.Errorf("Encode wrote %d bytes, EncodedSize reports %d", n, cmd.EncodedSize())
		}
		offsets = append(offsets, total)
		total += n
	}

	r := bytes.NewReader(buf.Bytes())
	var pos int64
	for i, want := range commands {
		got, n, err := Decode(r)
		if err != nil {
			t.Fatalf("Failed to decode record %d: %v", i, err)
		}
		if pos != offsets[i] {
			t.Errorf("Record %d: expected start %d, got %d", i, offsets[i], pos)
		}
		if got != want {
			t.Errorf("Record %d: expected %+v, got %+v", i, want, got)
		}
		pos += n
	}

	if _, _, err := Decode(r); err != io.EOF {
		t.Errorf("Expected io.EOF after last record, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Marshal(Set("key", "value"))
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	// Every proper prefix of a record is a truncated record
	for cut := 1; cut < len(data); cut++ {
		_, _, err := Decode(bytes.NewReader(data[:cut]))
		if !errors.Is(err, ErrTruncatedRecord) {
			t.Fatalf("Cut at %d: expected ErrTruncatedRecord, got %v", cut, err)
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("Cut at %d: expected error to wrap io.ErrUnexpectedEOF", cut)
		}
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	data, err := Marshal(Set("key", "value"))
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	data[len(data)-1] ^= 0xFF
	_, _, err = Decode(bytes.NewReader(data))
	if !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord, got %v", err)
	}
}

func TestDecodeOversizedLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0], header[1], header[2], header[3] = 0xFF, 0xFF, 0xFF, 0xFF

	_, _, err := Decode(bytes.NewReader(header))
	if !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord, got %v", err)
	}
}

func TestMarshalRejectsUnknownKind(t *testing.T) {
	if _, err := Marshal(Command{Kind: 9, Key: "k"}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}

func TestMarshalRejectsOversizedRecord(t *testing.T) {
	value := strings.Repeat("x", MaxRecordSize)
	if _, err := Marshal(Set("k", value)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("Expected ErrRecordTooLarge, got %v", err)
	}
}

func TestDecodeBounded(t *testing.T) {
	var buf bytes.Buffer
	first, err := Encode(&buf, Set("a", "1"))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	second, err := Encode(&buf, Set("b", "22"))
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	r := bytes.NewReader(buf.Bytes())
	if _, err := r.Seek(first, io.SeekStart); err != nil {
		t.Fatalf("Failed to seek: %v", err)
	}
	cmd, err := DecodeBounded(r, second)
	if err != nil {
		t.Fatalf("Failed to decode bounded: %v", err)
	}
	if cmd != Set("b", "22") {
		t.Errorf("Unexpected command %+v", cmd)
	}

	// A range longer than the record is a mismatch
	r = bytes.NewReader(buf.Bytes())
	if _, err := DecodeBounded(r, first+second); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord for oversized range, got %v", err)
	}

	// A range shorter than the record is a truncation
	r = bytes.NewReader(buf.Bytes())
	if _, err := DecodeBounded(r, first-1); !errors.Is(err, ErrTruncatedRecord) {
		t.Errorf("Expected ErrTruncatedRecord for short range, got %v", err)
	}
}

func TestDecodeRejectsTrailingPayload(t *testing.T) {
	data, err := Marshal(Remove("key"))
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	// Claim the remove record is a set: the value length is then missing
	payload := data[HeaderSize:]
	payload[0] = byte(KindSet)
	if _, err := parsePayload(payload); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord, got %v", err)
	}

	padded := append(append([]byte(nil), data[HeaderSize:]...), 0)
	padded[0] = byte(KindRemove)
	if _, err := parsePayload(padded); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Expected ErrCorruptRecord for trailing bytes, got %v", err)
	}
}
