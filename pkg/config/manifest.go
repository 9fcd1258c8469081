package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestFileName is the name of the manifest inside a store directory
const ManifestFileName = "MANIFEST"

var (
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// Manifest records the highest segment generation ever allocated in a
// directory. Segment files alone are not enough: a generation can be
// allocated without any file surviving, and it must still never be reused.
type Manifest struct {
	Version        int    `json:"version"`
	LastGeneration uint64 `json:"last_generation"`
	Timestamp      int64  `json:"timestamp"`
}

// ManifestPath returns the manifest path for a store directory
func ManifestPath(dir string) string {
	return filepath.Join(dir, ManifestFileName)
}

// LoadManifest reads the manifest of a store directory
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if m.Version <= 0 || m.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidManifest, m.Version)
	}

	return &m, nil
}

// SaveManifest atomically replaces the manifest of a store directory
func SaveManifest(dir string, lastGeneration uint64) error {
	m := Manifest{
		Version:        CurrentVersion,
		LastGeneration: lastGeneration,
		Timestamp:      time.Now().Unix(),
	}

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	manifestPath := ManifestPath(dir)
	tempPath := manifestPath + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	// The rename is only durable once the directory entry is
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync manifest directory: %w", err)
	}

	return nil
}

// syncDir fsyncs a directory so renames and creations inside it survive a crash
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
