// Package crc16 implements the CRC-16/CCITT checksum used by the serial link and the
// persistent store.
package crc16

const (
	// Polynomial is the CCITT generator polynomial x^16 + x^12 + x^5 + 1.
	Polynomial = 0x1021
	// Initial is the register value before the first byte.
	Initial = 0xFFFF
	// Size is the checksum size in bytes.
	Size = 2
)

var table = makeTable()

func makeTable() (t [256]uint16) {
	for i := range t {
		crc := uint16(i) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ Polynomial
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

// Checksum returns the CRC of data.
func Checksum(data []byte) uint16 {
	return Update(Initial, data)
}

// Update continues a running CRC with data.
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<8 ^ table[byte(crc>>8)^b]
	}
	return crc
}
