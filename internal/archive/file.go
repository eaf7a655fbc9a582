package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileDestination writes a run transcript to <dir>/<run id>.jsonl.
type FileDestination struct {
	path string
}

// NewFileDestination creates dir if needed.
func NewFileDestination(dir, runID string) (*FileDestination, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileDestination{path: filepath.Join(dir, runID+".jsonl")}, nil
}

func (d *FileDestination) String() string { return d.path }

// Path is the transcript file.
func (d *FileDestination) Path() string { return d.path }

// Write replaces the transcript atomically via a temp file and rename.
func (d *FileDestination) Write(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".kloop-*.jsonl")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), d.path)
}
