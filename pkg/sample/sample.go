package sample

import (
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/device"
	"github.com/itohio/goscale/pkg/store"
)

// Sample represents a processed reading in display units.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	Mass        float64   `json:"mass"`              // Net mass
	Rate        float64   `json:"rate"`              // Mass change per second
	Tare        float64   `json:"tare"`              // Active tare
	Temperature float64   `json:"temperature"`       // °C
	Sensors     []float64 `json:"sensors,omitempty"` // Per-sensor mass
	Flagged     bool      `json:"flagged,omitempty"` // A channel exceeded the out of threshold limit
}

// Converter is a function type that converts a Reading channel to a Sample channel.
type Converter func(in <-chan device.Reading) <-chan Sample

// NewConverter creates a converter that transforms calibrated readings to the
// configured display unit. Raw readings are skipped.
func NewConverter(cfg *config.Config, bufSize int, log *zap.Logger) Converter {
	if bufSize <= 0 {
		bufSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	unit := cfg.DisplayUnit()

	return func(in <-chan device.Reading) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			for r := range in {
				if r.Raw {
					log.Debug("skipping raw reading")
					continue
				}

				select {
				case out <- Convert(r, unit):
				case <-time.After(time.Second):
					log.Warn("converter output channel full, dropping sample")
				}
			}
		}()

		return out
	}
}

// Convert converts a calibrated reading from grams to unit.
func Convert(r device.Reading, unit store.Unit) Sample {
	s := Sample{
		Timestamp:   r.Timestamp,
		Mass:        float64(unit.FromGrams(r.Mass)),
		Rate:        float64(unit.FromGrams(r.Rate)),
		Tare:        float64(unit.FromGrams(r.ActiveTare())),
		Temperature: float64(r.Temperature),
		Flagged:     r.Flagged(),
	}
	if len(r.SensorMass) > 0 {
		s.Sensors = make([]float64, len(r.SensorMass))
		for i, v := range r.SensorMass {
			s.Sensors[i] = float64(unit.FromGrams(v))
		}
	}
	return s
}
