// Package datalink splits a byte stream into frames using byte stuffing.
//
// A frame on the wire is the escaped frame body followed by FrameEnd. Every literal
// FrameEnd or Escape inside the body is sent as Escape followed by the byte XOR EscapeXor.
// The package knows nothing about what a frame contains.
package datalink

const (
	// FrameEnd terminates every frame.
	FrameEnd = 0x7E
	// Escape marks that the next byte is a stuffed literal.
	Escape = 0x7D
	// EscapeXor is applied to a stuffed literal.
	EscapeXor = 0x20
)

// EncodedLen returns the number of bytes Encode appends for body.
func EncodedLen(body []byte) int {
	n := len(body) + 1
	for _, b := range body {
		if b == FrameEnd || b == Escape {
			n++
		}
	}
	return n
}

// Encode appends the escaped body and the frame end marker to dst.
func Encode(dst, body []byte) []byte {
	for _, b := range body {
		if b == FrameEnd || b == Escape {
			dst = append(dst, Escape, b^EscapeXor)
			continue
		}
		dst = append(dst, b)
	}
	return append(dst, FrameEnd)
}

// Decoder reassembles frames one byte at a time.
//
// The returned frame aliases the decoder buffer and stays valid until the next call to
// Feed.
type Decoder struct {
	buf      []byte
	escaped  bool
	overflow bool
	complete bool

	// Overflows counts frames discarded because they did not fit the buffer.
	Overflows int
}

// NewDecoder creates a decoder that holds frames of at most size bytes.
func NewDecoder(size int) *Decoder {
	return &Decoder{buf: make([]byte, 0, size)}
}

// Feed consumes one byte and returns a frame when b completes one.
// Empty frames (two consecutive frame ends) are skipped.
func (d *Decoder) Feed(b byte) ([]byte, bool) {
	if d.complete {
		d.buf = d.buf[:0]
		d.complete = false
	}

	switch {
	case b == FrameEnd:
		overflow := d.overflow
		d.escaped, d.overflow = false, false
		if overflow || len(d.buf) == 0 {
			d.buf = d.buf[:0]
			return nil, false
		}
		d.complete = true
		return d.buf, true
	case d.escaped:
		d.escaped = false
		b ^= EscapeXor
	case b == Escape:
		d.escaped = true
		return nil, false
	}

	if d.overflow {
		return nil, false
	}
	if len(d.buf) == cap(d.buf) {
		d.overflow = true
		d.Overflows++
		d.buf = d.buf[:0]
		return nil, false
	}
	d.buf = append(d.buf, b)
	return nil, false
}

// Reset drops any partially received frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.escaped, d.overflow, d.complete = false, false, false
}

// Decode splits a complete byte stream into frames. Incomplete trailing data is ignored.
func Decode(stream []byte, size int) [][]byte {
	d := NewDecoder(size)
	var frames [][]byte
	for _, b := range stream {
		if frame, ok := d.Feed(b); ok {
			frames = append(frames, append([]byte(nil), frame...))
		}
	}
	return frames
}
