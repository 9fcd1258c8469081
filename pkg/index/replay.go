package index

import (
	"errors"
	"fmt"
	"io"

	"github.com/KevoDB/kvs/pkg/command"
	"github.com/KevoDB/kvs/pkg/stream"
)

// LoadResult describes the replay of one segment
type LoadResult struct {
	// Records is the number of complete records replayed
	Records uint64

	// Uncompacted is the number of bytes in the segment that the index no
	// longer references after the replay, including superseded records of
	// earlier segments and any incomplete tail.
	Uncompacted int64

	// Truncated is set when the segment ends with an incomplete record,
	// which starts at TruncatedAt and is TailBytes long.
	Truncated   bool
	TruncatedAt int64
	TailBytes   int64
}

// Load replays the segment gen from its start, applying every record to the
// index. Segments must be loaded in ascending generation order. An
// incomplete final record is tolerated; any other decode error is returned.
func (i *Index) Load(gen uint64, r *stream.Reader) (*LoadResult, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind segment %d: %w", gen, err)
	}

	result := &LoadResult{}
	for {
		start := r.Position()

		cmd, _, err := command.Decode(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, command.ErrTruncatedRecord) {
			size, seekErr := r.Seek(0, io.SeekEnd)
			if seekErr != nil {
				return result, fmt.Errorf("failed to size segment %d: %w", gen, seekErr)
			}
			result.Truncated = true
			result.TruncatedAt = start
			result.TailBytes = size - start
			result.Uncompacted += result.TailBytes
			break
		}
		if err != nil {
			return result, fmt.Errorf("failed to replay segment %d at offset %d: %w", gen, start, err)
		}

		end := r.Position()
		result.Records++

		switch cmd.Kind {
		case command.KindSet:
			if prev, ok := i.Put(cmd.Key, Entry{Generation: gen, Start: start, End: end}); ok {
				result.Uncompacted += prev.Len()
			}
		case command.KindRemove:
			if prev, ok := i.Delete(cmd.Key); ok {
				result.Uncompacted += prev.Len()
			}
			// A remove record is never live itself
			result.Uncompacted += end - start
		}
	}

	return result, nil
}
