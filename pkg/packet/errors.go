package packet

import (
	"errors"
	"strings"
)

var (
	// ErrShortPacket is returned when a buffer cannot hold a header.
	ErrShortPacket = errors.New("packet too short")
	// ErrPayloadTooLarge is returned when a payload does not fit one packet.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ErrorCode is the bitfield carried by an error response. Several conditions may be
// reported at once.
type ErrorCode uint16

const (
	ErrBufferUnderflow ErrorCode = 1 << iota
	ErrUnrecognizedCommand
	ErrOutOfThreshold
	ErrSensorNotReady
	ErrInternal
	ErrInvalidParameter
)

var errorNames = []string{
	"buffer underflow",
	"unrecognized command",
	"out of threshold",
	"sensor not ready",
	"internal",
	"invalid parameter",
}

// Error implements error.
func (e ErrorCode) Error() string {
	if e == 0 {
		return "no error"
	}
	var parts []string
	for i, name := range errorNames {
		if e&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := e &^ (1<<len(errorNames) - 1); rest != 0 {
		parts = append(parts, "unknown")
	}
	return "device error: " + strings.Join(parts, ", ")
}

// Has reports whether every bit of flag is set.
func (e ErrorCode) Has(flag ErrorCode) bool {
	return e&flag == flag
}

// Is lets errors.Is match a single condition inside a combined code.
func (e ErrorCode) Is(target error) bool {
	var t ErrorCode
	if !errors.As(target, &t) || t == 0 {
		return false
	}
	return e.Has(t)
}
