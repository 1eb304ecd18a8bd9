//go:build !tinygo

package scale

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/hx711"
	"github.com/itohio/goscale/pkg/measure"
	"github.com/itohio/goscale/pkg/nvm"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/store"
	"github.com/itohio/goscale/pkg/thermistor"
)

// Model is the physical load on a simulated platform: a static load plus periodic pours.
// During each pour period the poured mass grows at PourRate for PourDuration, stays until
// the period ends and is then removed.
type Model struct {
	mu      sync.RWMutex
	cfg     config.SimulatorConfig
	now     func() time.Duration
	load    float64
	sensors []config.SimSensorConfig
}

// NewModel creates a model. now supplies the simulation time.
func NewModel(cfg config.SimulatorConfig, now func() time.Duration) *Model {
	sensors := cfg.Sensors
	if len(sensors) == 0 {
		sensors = []config.SimSensorConfig{{CountsPerGram: 1, Share: 1}}
	}
	if len(sensors) > hx711.MaxChannels {
		sensors = sensors[:hx711.MaxChannels]
	}
	return &Model{
		cfg:     cfg,
		now:     now,
		load:    cfg.Load,
		sensors: sensors,
	}
}

// SetLoad places g grams on the platform.
func (m *Model) SetLoad(g float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load = g
}

// Load returns the grams on the platform at time t.
func (m *Model) Load(t time.Duration) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g := m.load
	if m.cfg.PourPeriod > 0 && m.cfg.PourRate > 0 {
		phase := t % m.cfg.PourPeriod
		g += m.cfg.PourRate * min(phase, m.cfg.PourDuration).Seconds()
	}
	return g
}

// Sensors returns the number of simulated load cells.
func (m *Model) Sensors() int {
	return len(m.sensors)
}

// Source returns the conversion source of load cell i. Counts scale with gain relative
// to channel A at 128.
func (m *Model) Source(i int) hx711.Source {
	sc := m.sensors[i]
	return func(g hx711.Gain) int32 {
		counts := float64(sc.Offset) + sc.Share*m.Load(m.now())*sc.CountsPerGram
		switch g {
		case hx711.GainA64:
			counts /= 2
		case hx711.GainB32:
			counts /= 4
		}
		if n := m.cfg.NoiseCounts; n > 0 {
			counts += (rand.Float64()*2 - 1) * n
		}
		return int32(counts)
	}
}

// Simulator is the simulated hardware of one scale.
type Simulator struct {
	Model       *Model
	Chips       *hx711.Sim
	Thermistors []*thermistor.SimADC
	clock       *hx711.SimClock
}

// NewSimulator builds simulated amplifiers and thermistors from cfg. With a nil clock
// the simulation runs on the wall clock; otherwise it only advances with clock.
func NewSimulator(cfg config.SimulatorConfig, clock *hx711.SimClock) *Simulator {
	var now func() time.Duration
	if clock != nil {
		now = clock.Now
	} else {
		start := time.Now()
		now = func() time.Duration { return time.Since(start) }
	}

	s := &Simulator{
		Model: NewModel(cfg, now),
		clock: clock,
	}
	sources := make([]hx711.Source, s.Model.Sensors())
	for i := range sources {
		sources[i] = s.Model.Source(i)
	}
	s.Chips = hx711.NewSim(now, sources...)
	if cfg.ConversionTime > 0 {
		s.Chips.ConversionTime = cfg.ConversionTime
	}

	temps := cfg.Temperatures
	if len(temps) > store.MaxTemperatureSensors {
		temps = temps[:store.MaxTemperatureSensors]
	}
	for _, c := range temps {
		s.Thermistors = append(s.Thermistors,
			thermistor.NewSimADC(thermistor.DefaultDivider, thermistor.NTC10K, float32(c)))
	}
	return s
}

// Parts binds the simulated hardware to a transport and storage.
func (s *Simulator) Parts(t packet.Transport, storage nvm.Storage, layout store.Layout) Parts {
	p := Parts{
		Transport: t,
		Storage:   storage,
		Layout:    layout,
		Port:      s.Chips,
		Masks:     s.Chips.Masks(),
		Amplifier: hx711.DefaultConfig(),
		Measure:   measure.DefaultConfig(),
	}
	p.Measure.AutoZeroBand = float32(s.Model.cfg.AutoZeroBand)
	p.Measure.AutoZeroRate = float32(s.Model.cfg.AutoZeroRate)
	for _, adc := range s.Thermistors {
		p.Thermistors = append(p.Thermistors, adc)
	}
	if s.clock != nil {
		p.Amplifier = s.clock.Config(p.Amplifier)
		p.Clock = s.clock.Now
		p.Sleep = s.clock.Advance
	}
	return p
}
