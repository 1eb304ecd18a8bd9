package nvm

import (
	"bytes"
	"io"
	"sync"
)

// Memory is a fixed-size Storage in RAM that starts out erased, like blank flash.
type Memory struct {
	mu       sync.Mutex
	data     []byte
	writes   int
	writeErr error
}

var _ Storage = (*Memory)(nil)

// NewMemory creates an erased region of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{data: bytes.Repeat([]byte{0xFF}, size)}
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end are truncated and fail with
// io.ErrShortWrite.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if off >= int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	m.writes++
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// SetWriteError makes every following write fail with err. nil restores writes.
func (m *Memory) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Writes returns the number of successful writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Bytes returns a copy of the contents.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Clone(m.data)
}
