package packet

import (
	"context"
	"errors"
	"io"
	"sync"
)

// DefaultStreamSize is the default receive buffer of a Stream.
const DefaultStreamSize = 4096

// ErrStreamClosed is returned after the underlying reader failed or was closed.
var ErrStreamClosed = errors.New("stream closed")

// Stream adapts a blocking io.ReadWriter (such as a serial port) to Transport by reading it
// on a goroutine into a bounded buffer. When the buffer is full the oldest bytes are
// discarded; the framer resynchronises on the next frame end.
type Stream struct {
	rw   io.ReadWriter
	size int

	mu      sync.Mutex
	buf     []byte
	head    int
	err     error
	dropped int

	ready chan struct{}
	done  chan struct{}
}

// NewStream starts reading rw. The stream stops when rw returns an error.
func NewStream(rw io.ReadWriter, size int) *Stream {
	if size <= 0 {
		size = DefaultStreamSize
	}
	s := &Stream{
		rw:    rw,
		size:  size,
		buf:   make([]byte, 0, size),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.done)

	tmp := make([]byte, 256)
	for {
		n, err := s.rw.Read(tmp)
		if n > 0 {
			s.mu.Lock()
			s.push(tmp[:n])
			s.mu.Unlock()

			select {
			case s.ready <- struct{}{}:
			default:
			}
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

func (s *Stream) push(p []byte) {
	if s.head > 0 {
		s.buf = s.buf[:copy(s.buf, s.buf[s.head:])]
		s.head = 0
	}
	if len(p) > s.size {
		s.dropped += len(p) - s.size
		p = p[len(p)-s.size:]
	}
	if over := len(s.buf) + len(p) - s.size; over > 0 {
		s.dropped += over
		s.buf = s.buf[:copy(s.buf, s.buf[over:])]
	}
	s.buf = append(s.buf, p...)
}

// Buffered returns the number of bytes ready to read.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) - s.head
}

// ReadByte returns the next buffered byte without blocking.
func (s *Stream) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.head == len(s.buf) {
		if s.err != nil {
			return 0, ErrStreamClosed
		}
		return 0, io.EOF
	}
	b := s.buf[s.head]
	s.head++
	if s.head == len(s.buf) {
		s.buf, s.head = s.buf[:0], 0
	}
	return b, nil
}

// Write writes to the underlying writer.
func (s *Stream) Write(p []byte) (int, error) {
	return s.rw.Write(p)
}

// Flush drains the underlying port when it supports it (go.bug.st/serial.Port does).
func (s *Stream) Flush() error {
	if d, ok := s.rw.(interface{ Drain() error }); ok {
		return d.Drain()
	}
	return nil
}

// Wait blocks until bytes are buffered, the stream fails or ctx is done.
func (s *Stream) Wait(ctx context.Context) error {
	for {
		if s.Buffered() > 0 {
			return nil
		}
		select {
		case <-s.ready:
		case <-s.done:
			if s.Buffered() > 0 {
				return nil
			}
			return ErrStreamClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed when the reader goroutine exits.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the reader, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of bytes discarded on overflow.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
