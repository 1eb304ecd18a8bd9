// Package nvm persists fixed-size records in non-volatile storage.
//
// Every record is stored as a 9-byte envelope followed by the payload:
//
//	Version u16 | Reserved u8 | Checksum u16 | Length u16 | Reserved u16 | payload
//
// The checksum covers the payload only and is rewritten on every mutation.
package nvm

import (
	"encoding/binary"
	"io"
)

// EnvelopeSize is the encoded envelope size.
const EnvelopeSize = 9

// erased is what blank flash reads back as.
const erased = 0xFFFF

// Storage is a byte-addressed backing store. Backends are selected at build time:
// File on hosts, Flash on TinyGo targets. Memory works everywhere.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Envelope precedes every stored payload.
type Envelope struct {
	Version  uint16
	Checksum uint16
	Length   uint16
}

func (e Envelope) append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, e.Version)
	dst = append(dst, 0)
	dst = binary.LittleEndian.AppendUint16(dst, e.Checksum)
	dst = binary.LittleEndian.AppendUint16(dst, e.Length)
	return binary.LittleEndian.AppendUint16(dst, 0)
}

func parseEnvelope(b []byte) Envelope {
	return Envelope{
		Version:  binary.LittleEndian.Uint16(b[0:]),
		Checksum: binary.LittleEndian.Uint16(b[3:]),
		Length:   binary.LittleEndian.Uint16(b[5:]),
	}
}

// present reports whether the envelope looks like something we wrote.
func (e Envelope) present() bool {
	return e.Version != 0 && e.Version != erased && e.Length != 0 && e.Length != erased
}
