package store

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/nvm"
)

// IdentityVersion is the current identity schema. Fields are only ever appended; the
// migration ladder fills in every field introduced after the stored version.
const IdentityVersion = 7

// FirmwareVersion is stamped into the identity record on every load. Override with
// -ldflags "-X github.com/itohio/goscale/pkg/store.FirmwareVersion=...".
var FirmwareVersion = "goscale-0.3.0"

// Defaults for fields added after version 1.
const (
	DefaultContrast          = 0x7F
	DefaultFlip              = false
	DefaultTelemetryInterval = 250  // ms
	DefaultSleepTimeout      = 300  // s
	DefaultAutoWakeInterval  = 3600 // s
)

// ErrInvalidIdentity is returned by Identity.Validate.
var ErrInvalidIdentity = errors.New("invalid identity")

// SensorType identifies the part fitted to a sensor input.
type SensorType uint8

const (
	SensorNone SensorType = iota
	SensorHX711
	SensorHX710
	SensorNTC10K
	SensorNTC100K
)

// Feature is a hardware capability flag.
type Feature uint16

const (
	FeatureBattery Feature = 1 << iota
	FeatureDisplay
	FeatureButtons
	FeatureAutoWake
	FeatureThermistors
)

// Identity describes the unit and stores user preferences.
type Identity struct {
	FirmwareVersion        [16]byte
	SerialNumber           uint32
	ModelNumber            uint16
	HardwareRevision       uint8
	MassSensorCount        uint8
	MassSensorType         SensorType
	TemperatureSensorCount uint8
	TemperatureSensorType  SensorType
	Features               Feature
	Units                  Unit

	Contrast          uint8  // v3
	Flip              bool   // v4
	TelemetryInterval uint16 // v5, ms
	SleepTimeout      uint16 // v6, s
	AutoWakeInterval  uint16 // v7, s
}

// DefaultIdentity describes a single-sensor unit with current defaults.
func DefaultIdentity() Identity {
	id := Identity{
		MassSensorCount:        1,
		MassSensorType:         SensorHX711,
		TemperatureSensorCount: 1,
		TemperatureSensorType:  SensorNTC10K,
		Features:               FeatureThermistors,
		Units:                  UnitGrams,
		Contrast:               DefaultContrast,
		Flip:                   DefaultFlip,
		TelemetryInterval:      DefaultTelemetryInterval,
		SleepTimeout:           DefaultSleepTimeout,
		AutoWakeInterval:       DefaultAutoWakeInterval,
	}
	id.SetFirmwareVersion(FirmwareVersion)
	return id
}

// MigrateIdentity upgrades id from version prev and stamps the running firmware version.
func MigrateIdentity(prev uint16, id *Identity) {
	if prev < 3 {
		id.Contrast = DefaultContrast
	}
	if prev < 4 {
		id.Flip = DefaultFlip
	}
	if prev < 5 {
		id.TelemetryInterval = DefaultTelemetryInterval
	}
	if prev < 6 {
		id.SleepTimeout = DefaultSleepTimeout
	}
	if prev < 7 {
		id.AutoWakeInterval = DefaultAutoWakeInterval
	}
	id.SetFirmwareVersion(FirmwareVersion)
}

// Firmware returns the firmware version string.
func (id Identity) Firmware() string {
	b := id.FirmwareVersion[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// SetFirmwareVersion stores v, truncated to the field size.
func (id *Identity) SetFirmwareVersion(v string) {
	id.FirmwareVersion = [16]byte{}
	copy(id.FirmwareVersion[:], v)
}

// Validate checks sensor counts and preferences.
func (id Identity) Validate() error {
	switch {
	case id.MassSensorCount == 0 || id.MassSensorCount > MaxMassSensors:
		return fmt.Errorf("%w: %d mass sensors", ErrInvalidIdentity, id.MassSensorCount)
	case id.TemperatureSensorCount > MaxTemperatureSensors:
		return fmt.Errorf("%w: %d temperature sensors", ErrInvalidIdentity, id.TemperatureSensorCount)
	case !id.Units.Valid():
		return fmt.Errorf("%w: unit %d", ErrInvalidIdentity, id.Units)
	case id.TelemetryInterval == 0:
		return fmt.Errorf("%w: zero telemetry interval", ErrInvalidIdentity)
	}
	return nil
}

// NewIdentity creates the identity record at offset.
func NewIdentity(s nvm.Storage, offset int64, log *zap.Logger) *nvm.Record[Identity] {
	return nvm.NewRecord(s, offset, nvm.Schema[Identity]{
		Version: IdentityVersion,
		Default: DefaultIdentity,
		Migrate: MigrateIdentity,
	}, log)
}
