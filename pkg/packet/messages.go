package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/itohio/goscale/pkg/store"
)

// SetCalibrationRequest replaces the calibration record, or restores defaults when Init is set.
type SetCalibrationRequest struct {
	Init        bool
	Calibration store.Calibration
}

// SetIdentityRequest replaces the identity record, or restores defaults when Init is set.
type SetIdentityRequest struct {
	Init     bool
	Identity store.Identity
}

// SetTareRequest replaces the tare record, or clears it when Init is set.
type SetTareRequest struct {
	Init bool
	Tare store.Tare
}

// ReadRequest asks for Times acquisitions averaged into one telemetry DataPoint.
// Raw skips filtering, calibration and tare.
type ReadRequest struct {
	Times uint8
	Raw   bool
}

// ErrorResponse is the payload of RespError.
type ErrorResponse struct {
	Code ErrorCode
}

// Size returns the encoded size of a fixed-size message, or -1.
func Size(v any) int {
	return binary.Size(v)
}

// Marshal encodes a fixed-size message.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	if buf.Len() > MaxPayloadSize {
		return nil, fmt.Errorf("marshal %T: %w", v, ErrPayloadTooLarge)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a fixed-size message from the start of data. Trailing bytes are ignored.
func Unmarshal(data []byte, v any) error {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}
