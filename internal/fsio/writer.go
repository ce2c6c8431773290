package fsio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prn-tf/ndn-sync/internal/ndn"
)

// FilesystemWriter materializes a restored tree.
type FilesystemWriter interface {
	// CreateDirAll ensures a directory path exists.
	CreateDirAll(ctx context.Context, path string) error

	// CreateDir creates the directory for a dir object under its parent.
	CreateDir(ctx context.Context, dir *ndn.DirObject, parentPath string) error

	// OpenFile opens (creating if needed) the file for a file object
	// under its parent, positioned for chunk writes.
	OpenFile(ctx context.Context, file *ndn.FileObject, parentPath string) (FileWriter, error)
}

// FileWriter writes file bytes at offsets and reports the current length
// for resume.
type FileWriter interface {
	// Length returns the current on-disk byte length.
	Length(ctx context.Context) (uint64, error)

	// WriteChunk writes bytes at the given offset.
	WriteChunk(ctx context.Context, data []byte, offset uint64) error

	Close() error
}

// LocalWriter implements FilesystemWriter over the OS filesystem.
type LocalWriter struct{}

// NewLocalWriter returns a writer over the OS filesystem.
func NewLocalWriter() *LocalWriter {
	return &LocalWriter{}
}

// CreateDirAll ensures a directory path exists.
func (w *LocalWriter) CreateDirAll(ctx context.Context, path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

// CreateDir creates one directory under its parent.
func (w *LocalWriter) CreateDir(ctx context.Context, dir *ndn.DirObject, parentPath string) error {
	path := filepath.Join(parentPath, dir.Name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

// OpenFile opens the file for chunk writes, keeping existing bytes so an
// interrupted restore can resume where it stopped.
func (w *LocalWriter) OpenFile(ctx context.Context, file *ndn.FileObject, parentPath string) (FileWriter, error) {
	path := filepath.Join(parentPath, file.Name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &localFileWriter{file: f}, nil
}

type localFileWriter struct {
	file *os.File
}

func (f *localFileWriter) Length(ctx context.Context) (uint64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return uint64(info.Size()), nil
}

func (f *localFileWriter) WriteChunk(ctx context.Context, data []byte, offset uint64) error {
	if _, err := f.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("failed to write chunk at %d: %w", offset, err)
	}
	return nil
}

func (f *localFileWriter) Close() error {
	return f.file.Close()
}

// Ensure LocalWriter implements FilesystemWriter.
var _ FilesystemWriter = (*LocalWriter)(nil)
