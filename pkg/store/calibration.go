package store

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/nvm"
)

// CalibrationVersion is the current calibration schema.
const CalibrationVersion = 1

// CoefficientCount is the number of coefficients per sensor.
const CoefficientCount = 7

// DefaultReferenceTemperature is the temperature (°C) calibrations are referenced to.
const DefaultReferenceTemperature = 25

// ErrInvalidCalibration is returned by Calibration.Validate.
var ErrInvalidCalibration = errors.New("invalid calibration")

// Coefficients map one sensor's filtered raw value to grams.
type Coefficients struct {
	MassOffset           float32
	MassSlope            float32
	MassQuadratic        float32
	TemperatureOffset    float32
	TemperatureSlope     float32
	TemperatureQuadratic float32
	ThermistorOffset     float32
}

// Mass applies the polynomial to raw value x at temperature delta dT:
//
//	m = mo + ms·x + mq·x² + dT·(to + ts·x + tq·x²)
func (c Coefficients) Mass(x, dT float32) float32 {
	x2 := x * x
	return c.MassOffset + c.MassSlope*x + c.MassQuadratic*x2 +
		dT*(c.TemperatureOffset+c.TemperatureSlope*x+c.TemperatureQuadratic*x2)
}

// Calibration holds the coefficient sets of every mass sensor.
type Calibration struct {
	MassSensorCount      uint8
	CoefficientCount     uint8
	ReferenceTemperature float32
	Sensors              [MaxMassSensors]Coefficients
}

// DefaultCalibration is an identity mapping referenced to 25 °C.
func DefaultCalibration() Calibration {
	c := Calibration{
		MassSensorCount:      1,
		CoefficientCount:     CoefficientCount,
		ReferenceTemperature: DefaultReferenceTemperature,
	}
	for i := range c.Sensors {
		c.Sensors[i].MassSlope = 1
	}
	return c
}

// Validate checks counts and rejects non-finite coefficients.
func (c Calibration) Validate() error {
	if c.MassSensorCount == 0 || c.MassSensorCount > MaxMassSensors {
		return fmt.Errorf("%w: %d mass sensors", ErrInvalidCalibration, c.MassSensorCount)
	}
	if c.CoefficientCount != CoefficientCount {
		return fmt.Errorf("%w: %d coefficients", ErrInvalidCalibration, c.CoefficientCount)
	}
	if !finite(c.ReferenceTemperature) {
		return fmt.Errorf("%w: reference temperature", ErrInvalidCalibration)
	}
	for i, s := range c.Sensors[:c.MassSensorCount] {
		for _, v := range []float32{s.MassOffset, s.MassSlope, s.MassQuadratic, s.TemperatureOffset,
			s.TemperatureSlope, s.TemperatureQuadratic, s.ThermistorOffset} {
			if !finite(v) {
				return fmt.Errorf("%w: sensor %d", ErrInvalidCalibration, i)
			}
		}
	}
	return nil
}

func finite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}

// NewCalibration creates the calibration record at offset.
func NewCalibration(s nvm.Storage, offset int64, log *zap.Logger) *nvm.Record[Calibration] {
	return nvm.NewRecord(s, offset, nvm.Schema[Calibration]{
		Version: CalibrationVersion,
		Default: DefaultCalibration,
	}, log)
}
