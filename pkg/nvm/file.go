//go:build !tinygo

package nvm

import (
	"fmt"
	"os"
)

// File is host storage backed by a regular file.
type File struct {
	f *os.File
}

var _ Storage = (*File)(nil)

// OpenFile opens or creates the backing file.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open nvm file %s: %w", path, err)
	}
	return &File{f: f}, nil
}

// ReadAt implements io.ReaderAt.
func (s *File) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// WriteAt writes p and syncs it to disk.
func (s *File) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	return n, s.f.Sync()
}

// Close closes the file.
func (s *File) Close() error {
	return s.f.Close()
}
