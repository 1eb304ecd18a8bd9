package sample

import (
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/device"
)

// AverageInterval is how often averaging converters emit.
const AverageInterval = 100 * time.Millisecond

// NewAveragingConverter creates a converter that averages the last windowSize readings
// and converts them to Samples. This reduces noise in the measurements.
func NewAveragingConverter(cfg *config.Config, windowSize int, bufSize int, log *zap.Logger) Converter {
	avg := NewAveragingConverterForSamples(windowSize, bufSize, log)
	conv := NewConverter(cfg, bufSize, log)
	return func(in <-chan device.Reading) <-chan Sample {
		return avg(conv(in))
	}
}

// NewAveragingConverterForSamples creates an averaging converter that works on
// already-converted Samples. The most recent timestamp and per-sensor values are kept.
func NewAveragingConverterForSamples(windowSize int, bufSize int, log *zap.Logger) func(in <-chan Sample) <-chan Sample {
	if windowSize <= 0 {
		windowSize = 1
	}
	if bufSize <= 0 {
		bufSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}

	return func(in <-chan Sample) <-chan Sample {
		out := make(chan Sample, bufSize)

		go func() {
			defer close(out)

			var buffer []Sample
			ticker := time.NewTicker(AverageInterval)
			defer ticker.Stop()

			for {
				select {
				case s, ok := <-in:
					if !ok {
						if len(buffer) > 0 {
							select {
							case out <- Average(buffer):
							default:
							}
						}
						return
					}

					buffer = append(buffer, s)
					if len(buffer) > windowSize {
						buffer = buffer[1:]
					}

				case <-ticker.C:
					if len(buffer) > 0 {
						select {
						case out <- Average(buffer):
						default:
							log.Warn("averaging converter output channel full")
						}
					}
				}
			}
		}()

		return out
	}
}

// Average averages mass, rate, tare and temperature of samples. A sample is flagged
// when any input was.
func Average(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}

	last := samples[len(samples)-1]
	out := Sample{
		Timestamp: last.Timestamp,
		Sensors:   last.Sensors,
	}
	for _, s := range samples {
		out.Mass += s.Mass
		out.Rate += s.Rate
		out.Tare += s.Tare
		out.Temperature += s.Temperature
		out.Flagged = out.Flagged || s.Flagged
	}

	n := float64(len(samples))
	out.Mass /= n
	out.Rate /= n
	out.Tare /= n
	out.Temperature /= n
	return out
}
