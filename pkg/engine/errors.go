package engine

import "errors"

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrKeyNotFound is returned when removing a key that is not in the store
	ErrKeyNotFound = errors.New("key not found")
	// ErrCorruptIndex is returned when an index entry does not point at a
	// set record for its own key
	ErrCorruptIndex = errors.New("index entry does not match log record")
)
