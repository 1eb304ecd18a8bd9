//go:build tinygo

package nvm

import (
	"fmt"
	"machine"
)

// Flash is device storage on the MCU's data flash. Every write erases the blocks it
// touches first, so records must not share erase blocks.
type Flash struct {
	dev machine.BlockDevice
}

var _ Storage = (*Flash)(nil)

// NewFlash wraps a block device, normally machine.Flash.
func NewFlash(dev machine.BlockDevice) *Flash {
	return &Flash{dev: dev}
}

// ReadAt implements io.ReaderAt.
func (s *Flash) ReadAt(p []byte, off int64) (int, error) {
	return s.dev.ReadAt(p, off)
}

// WriteAt erases the covered blocks and writes p.
func (s *Flash) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > s.dev.Size() {
		return 0, fmt.Errorf("flash write at %d+%d exceeds %d", off, len(p), s.dev.Size())
	}
	bs := s.dev.EraseBlockSize()
	first := off / bs
	last := (off + int64(len(p)) - 1) / bs
	if err := s.dev.EraseBlocks(first, last-first+1); err != nil {
		return 0, err
	}
	return s.dev.WriteAt(p, off)
}
