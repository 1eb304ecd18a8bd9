// Package measure turns raw amplifier and thermistor readings into calibrated telemetry.
package measure

import (
	"errors"
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/filter"
	"github.com/itohio/goscale/pkg/store"
	"github.com/itohio/goscale/pkg/thermistor"
)

const (
	// MaxOutOfThreshold is the out of threshold count at which a channel is flagged. A
	// channel that rejected every sample of a read is flagged regardless.
	MaxOutOfThreshold = 3
	// DefaultAutoZeroCommit is how often tracked zero drift is persisted at most.
	DefaultAutoZeroCommit = 5 * time.Minute
)

var (
	// ErrNoValidSamples is returned by Read when a mass channel rejected every sample.
	ErrNoValidSamples = errors.New("no sample within threshold")
	// ErrInvalidSlot is returned for tare slots out of range.
	ErrInvalidSlot = errors.New("invalid tare slot")
	// ErrNoReading is returned by Tare before the first calibrated reading.
	ErrNoReading = errors.New("no reading yet")
)

// MassSource samples every amplifier at once. hx711.Bank implements it.
type MassSource interface {
	Channels() int
	Sample(dst []int32) ([]int32, error)
}

// TemperatureSource reads raw thermistor counts. thermistor.Bank implements it.
type TemperatureSource interface {
	Channels() int
	Read(dst []float32) []float32
}

// Config configures a Pipeline.
type Config struct {
	Mass        filter.ChannelConfig
	Temperature filter.ChannelConfig
	// Thermistor converts filtered counts to °C. A nil Model falls back to NTC10K.
	Thermistor        thermistor.Thermistor
	MaxOutOfThreshold int
	// AutoZeroBand tracks drift into the automatic tare slot while the net mass stays
	// within ±AutoZeroBand grams and the rate within ±AutoZeroRate g/s. Zero disables it.
	// The slot is committed at most once per AutoZeroCommit.
	AutoZeroBand   float32
	AutoZeroRate   float32
	AutoZeroCommit time.Duration
	// Clock returns the time since start. Defaults to the wall clock.
	Clock func() time.Duration
}

// DefaultConfig rejects saturated conversions and open or shorted thermistors.
func DefaultConfig() Config {
	return Config{
		Mass: filter.ChannelConfig{
			Min:        -(1 << 23) + 1,
			Max:        1<<23 - 2,
			MedianSize: filter.DefaultMedianSize,
			Alpha:      0.3,
		},
		Temperature: filter.ChannelConfig{
			Min:        1,
			Max:        65534,
			MedianSize: filter.DefaultMedianSize,
			Alpha:      0.1,
		},
		Thermistor:        thermistor.Thermistor{Divider: thermistor.DefaultDivider},
		MaxOutOfThreshold: MaxOutOfThreshold,
	}
}

type accumulator struct {
	sum  float32
	n    int
	errs int
}

// Pipeline owns the filter state of every channel. It is not safe for concurrent use.
type Pipeline struct {
	mass   MassSource
	temp   TemperatureSource
	stores *store.Stores
	cfg    Config
	log    *zap.Logger

	massFilters []*filter.Channel
	tempFilters []*filter.Channel
	rawMass     []int32
	rawTemp     []float32
	acc         [MaxChannels]accumulator
	rate        Rate
	last        Telemetry
	valid       bool

	zeroDirty     bool
	zeroCommitted bool
	zeroAt        time.Duration
}

// New creates a pipeline. temp may be nil on units without thermistors.
func New(mass MassSource, temp TemperatureSource, stores *store.Stores, cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxOutOfThreshold <= 0 {
		cfg.MaxOutOfThreshold = MaxOutOfThreshold
	}
	if cfg.Thermistor.Divider == (thermistor.Divider{}) {
		cfg.Thermistor.Divider = thermistor.DefaultDivider
	}
	if cfg.Thermistor.Model == nil {
		cfg.Thermistor.Model = thermistor.NTC10K
	}
	if cfg.AutoZeroCommit <= 0 {
		cfg.AutoZeroCommit = DefaultAutoZeroCommit
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() time.Duration { return time.Since(start) }
	}

	p := &Pipeline{
		mass:   mass,
		temp:   temp,
		stores: stores,
		cfg:    cfg,
		log:    log,
	}
	for range min(mass.Channels(), store.MaxMassSensors) {
		p.massFilters = append(p.massFilters, filter.NewChannel(cfg.Mass))
	}
	if temp != nil {
		for range min(temp.Channels(), store.MaxTemperatureSensors) {
			p.tempFilters = append(p.tempFilters, filter.NewChannel(cfg.Temperature))
		}
	}
	return p
}

// Update performs one acquisition and refreshes the snapshot.
func (p *Pipeline) Update() error {
	_, err := p.Read(1, false)
	return err
}

// Read performs times acquisitions and averages the in-threshold samples of every
// channel. Unless raw is set, the averages are calibrated, the active tare subtracted and
// the snapshot replaced. A not ready sensor aborts the read without touching the snapshot.
func (p *Pipeline) Read(times int, raw bool) (Telemetry, error) {
	times = max(times, 1)
	p.acc = [MaxChannels]accumulator{}

	for range times {
		if err := p.acquire(raw); err != nil {
			return Telemetry{}, err
		}
	}

	t := Telemetry{
		Time:               p.cfg.Clock(),
		Raw:                raw,
		Samples:            times,
		MassSensors:        len(p.massFilters),
		TemperatureSensors: len(p.tempFilters),
	}
	var rejected bool
	for i := range MaxChannels {
		a := p.acc[i]
		t.Errors[i] = uint8(min(a.errs, 255))
		if a.errs >= p.cfg.MaxOutOfThreshold || (a.n == 0 && a.errs > 0) {
			if i < store.MaxMassSensors {
				t.Flags |= MassFlag(i)
			} else {
				t.Flags |= TemperatureFlag(i - store.MaxMassSensors)
			}
		}
	}

	for i, f := range p.massFilters {
		v, ok := p.average(i, f, raw)
		rejected = rejected || !ok
		t.SensorMass[i] = v
	}
	for j, f := range p.tempFilters {
		v, _ := p.average(store.MaxMassSensors+j, f, raw)
		t.SensorTemperature[j] = v
	}

	if t.Flags != 0 {
		p.log.Debug("channels out of threshold", zap.Uint16("flags", uint16(t.Flags)),
			zap.Uint8s("errors", t.ErrorCounts()))
	}
	if rejected {
		return t, fmt.Errorf("%w: flags 0x%04x", ErrNoValidSamples, uint16(t.Flags))
	}
	if raw {
		return t, nil
	}

	p.calibrate(&t)
	p.last = t
	p.valid = true
	return t, nil
}

func (p *Pipeline) acquire(raw bool) error {
	masses, err := p.mass.Sample(p.rawMass)
	if err != nil {
		return err
	}
	p.rawMass = masses
	if p.temp != nil {
		p.rawTemp = p.temp.Read(p.rawTemp)
	}

	for i, f := range p.massFilters {
		if i < len(masses) {
			p.feed(i, f, float32(masses[i]), raw)
		}
	}
	for j, f := range p.tempFilters {
		if j < len(p.rawTemp) {
			p.feed(store.MaxMassSensors+j, f, p.rawTemp[j], raw)
		}
	}
	return nil
}

func (p *Pipeline) feed(i int, f *filter.Channel, v float32, raw bool) {
	a := &p.acc[i]
	if raw {
		if !f.Threshold.Apply(v) {
			a.errs++
			return
		}
		a.sum += v
		a.n++
		return
	}
	y, ok := f.Update(v)
	if !ok {
		a.errs++
		return
	}
	a.sum += y
	a.n++
}

// average returns the mean of accepted samples, falling back to the channel's previous
// value when every sample was rejected.
func (p *Pipeline) average(i int, f *filter.Channel, raw bool) (float32, bool) {
	a := p.acc[i]
	if a.n > 0 {
		return a.sum / float32(a.n), true
	}
	if raw {
		v, ok := f.Threshold.LastValid()
		return v, ok
	}
	return f.Value(), f.Smooth.Seeded()
}

func (p *Pipeline) calibrate(t *Telemetry) {
	cal := p.stores.Calibration.Get()

	var sum float32
	var n int
	for j := range t.TemperatureSensors {
		c, err := p.cfg.Thermistor.Celsius(t.SensorTemperature[j])
		if err != nil {
			t.SensorTemperature[j] = math32.NaN()
			t.Flags |= TemperatureFlag(j)
			continue
		}
		t.SensorTemperature[j] = c
		sum += c
		n++
	}
	t.Temperature = cal.ReferenceTemperature
	if n > 0 {
		t.Temperature = sum / float32(n)
	}

	sensors := min(t.MassSensors, int(cal.MassSensorCount))
	for i := range t.MassSensors {
		if i >= sensors {
			t.SensorMass[i] = 0
			continue
		}
		c := cal.Sensors[i]
		dT := t.Temperature + c.ThermistorOffset - cal.ReferenceTemperature
		t.SensorMass[i] = c.Mass(t.SensorMass[i], dT)
		t.Gross += t.SensorMass[i]
	}

	p.rate.Add(t.Gross, t.Time)
	t.Rate = p.rate.Value()
	p.autoZero(t)

	t.Tare = p.stores.Tare.Get().Active()
	t.Mass = t.Gross - t.Tare
}

// autoZero moves slow drift near zero into the automatic slot and persists it at most
// once per AutoZeroCommit.
func (p *Pipeline) autoZero(t *Telemetry) {
	if p.cfg.AutoZeroBand <= 0 || p.rate.Len() < RateWindow {
		return
	}
	net := t.Gross - p.stores.Tare.Get().Active()
	if math32.Abs(net) > p.cfg.AutoZeroBand || math32.Abs(t.Rate) > p.cfg.AutoZeroRate {
		return
	}
	slot := &p.stores.Tare.Edit().Slots[store.AutoTareSlot]
	if !slot.Enabled {
		slot.Enabled = true
		slot.Value = 0
		p.zeroDirty = true
	}
	if net != 0 {
		slot.Value += net
		slot.Timestamp = uint32(t.Time / time.Second)
		p.zeroDirty = true
	}

	if !p.zeroDirty || (p.zeroCommitted && t.Time-p.zeroAt < p.cfg.AutoZeroCommit) {
		return
	}
	p.zeroDirty, p.zeroCommitted, p.zeroAt = false, true, t.Time
	if err := p.stores.Tare.Commit(); err != nil {
		// The record rolled back; drift is tracked again from the stored slot.
		p.log.Warn("failed to commit auto zero", zap.Error(err))
		return
	}
	p.log.Debug("auto zero committed", zap.Float32("value", slot.Value))
}

// SetThermistorModel replaces the resistance to temperature model.
func (p *Pipeline) SetThermistorModel(m thermistor.Model) {
	if m == nil {
		m = thermistor.NTC10K
	}
	p.cfg.Thermistor.Model = m
}

// Snapshot returns the last calibrated reading and whether one exists.
func (p *Pipeline) Snapshot() (Telemetry, bool) {
	return p.last, p.valid
}

// Tare stores the current gross mass in slot so the net mass reads zero, and persists
// the tare record.
func (p *Pipeline) Tare(slot int) error {
	if slot < 0 || slot >= store.TareSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if !p.valid {
		return ErrNoReading
	}

	tare := p.stores.Tare.Edit()
	var others float32
	for i, s := range tare.Slots {
		if i != slot && s.Enabled {
			others += s.Value
		}
	}
	tare.Slots[slot] = store.TareSlot{
		Value:     p.last.Gross - others,
		Unit:      p.stores.Identity.Get().Units,
		Enabled:   true,
		Timestamp: uint32(p.cfg.Clock() / time.Second),
	}
	if err := p.stores.Tare.Commit(); err != nil {
		return fmt.Errorf("commit tare: %w", err)
	}
	p.zeroDirty = false

	p.last.Tare = p.last.Gross
	p.last.Mass = 0
	p.log.Info("tared", zap.Int("slot", slot), zap.Float32("value", tare.Slots[slot].Value))
	return nil
}

// ClearTare disables slot and persists the tare record.
func (p *Pipeline) ClearTare(slot int) error {
	if slot < 0 || slot >= store.TareSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	p.stores.Tare.Edit().Slots[slot] = store.TareSlot{}
	if err := p.stores.Tare.Commit(); err != nil {
		return fmt.Errorf("commit tare: %w", err)
	}
	p.zeroDirty = false
	p.last.Tare = p.stores.Tare.Get().Active()
	p.last.Mass = p.last.Gross - p.last.Tare
	return nil
}

// Reset clears all filter and rate state, as after a power cycle of the amplifiers.
func (p *Pipeline) Reset() {
	for _, f := range p.massFilters {
		f.Reset()
	}
	for _, f := range p.tempFilters {
		f.Reset()
	}
	p.rate.Reset()
	p.valid = false
}
