// Package segment manages the numbered log files of a store directory.
//
// A segment is named "<generation>.log" where generation is a base-10
// unsigned integer without leading zeros. Any other file in the directory
// is ignored.
package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/stream"
)

// Extension is the file extension of segment files
const Extension = ".log"

var ErrNotDirectory = errors.New("not a directory")

// FileName returns the file name of a generation
func FileName(gen uint64) string {
	return strconv.FormatUint(gen, 10) + Extension
}

// ParseFileName extracts the generation from a segment file name
func ParseFileName(name string) (uint64, bool) {
	digits, ok := strings.CutSuffix(name, Extension)
	if !ok || digits == "" {
		return 0, false
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
	}

	gen, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// Store creates, opens and removes the segment files of one directory
type Store struct {
	dir    string
	logger log.Logger
}

// NewStore prepares dir for use, creating it if it does not exist
func NewStore(dir string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat store directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	return &Store{
		dir:    dir,
		logger: logger.WithField("dir", dir),
	}, nil
}

// Dir returns the directory managed by the store
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path of a generation's segment file
func (s *Store) Path(gen uint64) string {
	return filepath.Join(s.dir, FileName(gen))
}

// Generations returns the generations present on disk in ascending numeric order
func (s *Store) Generations() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	var gens []uint64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if gen, ok := ParseFileName(entry.Name()); ok {
			gens = append(gens, gen)
		}
	}

	slices.Sort(gens)
	return gens, nil
}

// OpenReader opens a positioned reader at the start of a generation's segment
func (s *Store) OpenReader(gen uint64) (*stream.Reader, error) {
	file, err := os.Open(s.Path(gen))
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %d: %w", gen, err)
	}

	reader, err := stream.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open segment %d: %w", gen, err)
	}
	return reader, nil
}

// Create opens a generation's segment for appending, creating the file if it
// is absent, and returns a writer positioned at its end along with a reader
// for the same file.
func (s *Store) Create(gen uint64) (*stream.Writer, *stream.Reader, error) {
	path := s.Path(gen)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create segment %d: %w", gen, err)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to seek segment %d: %w", gen, err)
	}

	writer, err := stream.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to create segment %d: %w", gen, err)
	}

	if err := s.syncDir(); err != nil {
		s.logger.Warn("Failed to sync directory after creating segment %d: %v", gen, err)
	}

	reader, err := s.OpenReader(gen)
	if err != nil {
		writer.Close()
		return nil, nil, err
	}

	return writer, reader, nil
}

// Remove deletes a generation's segment file. A file that is already gone
// is logged and otherwise ignored.
func (s *Store) Remove(gen uint64) error {
	err := os.Remove(s.Path(gen))
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Segment %d already removed", gen)
		return nil
	}
	return fmt.Errorf("failed to remove segment %d: %w", gen, err)
}

// Size returns the size in bytes of a generation's segment file
func (s *Store) Size(gen uint64) (int64, error) {
	info, err := os.Stat(s.Path(gen))
	if err != nil {
		return 0, fmt.Errorf("failed to stat segment %d: %w", gen, err)
	}
	return info.Size(), nil
}

// DiskUsage returns the total size of all segment files in the directory
func (s *Store) DiskUsage() (int64, error) {
	gens, err := s.Generations()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, gen := range gens {
		size, err := s.Size(gen)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += size
	}
	return total, nil
}

// syncDir makes file creations in the directory durable
func (s *Store) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
