// Package packet implements typed command/response packets on top of the datalink framer
// and the CRC-16 integrity codec.
//
// Frame plaintext: Header (4 bytes) | payload | CRC-16 of header+payload (little-endian).
package packet

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/itohio/goscale/pkg/crc16"
)

const (
	// HeaderSize is the encoded header size.
	HeaderSize = 4
	// MaxPacketSize bounds header, payload and checksum of one frame.
	MaxPacketSize = 256
	// MaxPayloadSize is the largest payload a single packet can carry.
	MaxPayloadSize = MaxPacketSize - HeaderSize - crc16.Size
	// SchemaVersion is stamped into every response header.
	SchemaVersion = 1
)

// Header must stay exactly HeaderSize bytes.
var (
	_ [HeaderSize - unsafe.Sizeof(Header{})]byte
	_ [unsafe.Sizeof(Header{}) - HeaderSize]byte
)

// Type discriminates command and response variants.
type Type uint16

// Commands.
const (
	CmdLoopback       Type = 0x0001
	CmdGetCalibration Type = 0x0002
	CmdSetCalibration Type = 0x0003
	CmdGetIdentity    Type = 0x0004
	CmdSetIdentity    Type = 0x0005
	CmdGetTare        Type = 0x0006
	CmdSetTare        Type = 0x0007
	CmdPowerOn        Type = 0x0008
	CmdPowerOff       Type = 0x0009
	CmdRead           Type = 0x000A
)

const (
	// ResponseFlag is set on every response type.
	ResponseFlag Type = 0x8000
	// RespError carries an ErrorResponse.
	RespError Type = 0xFFFF
)

var typeNames = map[Type]string{
	CmdLoopback:       "loopback",
	CmdGetCalibration: "get-calibration",
	CmdSetCalibration: "set-calibration",
	CmdGetIdentity:    "get-identity",
	CmdSetIdentity:    "set-identity",
	CmdGetTare:        "get-tare",
	CmdSetTare:        "set-tare",
	CmdPowerOn:        "power-on",
	CmdPowerOff:       "power-off",
	CmdRead:           "read",
}

// Response returns the response type answering command t.
func (t Type) Response() Type {
	return t | ResponseFlag
}

// Command returns the command type a response answers.
func (t Type) Command() Type {
	return t &^ ResponseFlag
}

// IsResponse reports whether t is a response type.
func (t Type) IsResponse() bool {
	return t&ResponseFlag != 0
}

func (t Type) String() string {
	if t == RespError {
		return "error"
	}
	name, ok := typeNames[t.Command()]
	if !ok {
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
	if t.IsResponse() {
		return name + "-response"
	}
	return name
}

// Header starts every packet.
type Header struct {
	Type    Type
	ID      uint8
	Version uint8
}

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(h.Type))
	return append(dst, h.ID, h.Version)
}

// ParseHeader decodes a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	return Header{
		Type:    Type(binary.LittleEndian.Uint16(b)),
		ID:      b[2],
		Version: b[3],
	}, nil
}
