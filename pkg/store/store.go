// Package store defines the persisted records of the scale: calibration, identity and tare,
// their schema versions, defaults and migration ladders.
package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/nvm"
)

const (
	// MaxMassSensors is the number of amplifier chips one clock line can drive.
	MaxMassSensors = 5
	// MaxTemperatureSensors is the number of thermistor inputs.
	MaxTemperatureSensors = 4
)

// Layout places each record at a fixed offset. Offsets should start distinct flash erase
// blocks.
type Layout struct {
	Calibration int64 `yaml:"calibration"`
	Identity    int64 `yaml:"identity"`
	Tare        int64 `yaml:"tare"`
}

// DefaultLayout puts each record in its own 4 KiB block.
var DefaultLayout = Layout{
	Calibration: 0,
	Identity:    4096,
	Tare:        8192,
}

// Stores owns the three persisted records.
type Stores struct {
	Calibration *nvm.Record[Calibration]
	Identity    *nvm.Record[Identity]
	Tare        *nvm.Record[Tare]
}

// Open creates and begins every record on s.
func Open(s nvm.Storage, layout Layout, log *zap.Logger) (*Stores, error) {
	if log == nil {
		log = zap.NewNop()
	}
	st := &Stores{
		Calibration: NewCalibration(s, layout.Calibration, log),
		Identity:    NewIdentity(s, layout.Identity, log),
		Tare:        NewTare(s, layout.Tare, log),
	}
	if err := st.Calibration.Begin(); err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	if err := st.Identity.Begin(); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if err := st.Tare.Begin(); err != nil {
		return nil, fmt.Errorf("tare: %w", err)
	}
	return st, nil
}

// Recovered names the records Open discarded as corrupt and reinitialised.
func (s *Stores) Recovered() []string {
	var names []string
	if s.Calibration.Recovered() {
		names = append(names, "calibration")
	}
	if s.Identity.Recovered() {
		names = append(names, "identity")
	}
	if s.Tare.Recovered() {
		names = append(names, "tare")
	}
	return names
}
