//go:build !tinygo

package hx711

import (
	"sync"
	"time"
)

const (
	// SimConversionTime is the conversion period of a chip at 10 SPS.
	SimConversionTime = 100 * time.Millisecond
	// simPowerDownTime is how long a high clock takes to power a chip down.
	simPowerDownTime = 60 * time.Microsecond
	simFullScale     = 1<<(DataBits-1) - 1
)

// Source produces the conversion result of one chip at gain g.
type Source func(g Gain) int32

// Constant returns a source that always converts to v.
func Constant(v int32) Source {
	return func(Gain) int32 { return v }
}

type simChip struct {
	source Source
	gain   Gain
	word   uint32
	pulses int
}

// Sim emulates a bank of chips sharing a clock line. It implements Port.
type Sim struct {
	mu             sync.Mutex
	chips          []simChip
	now            func() time.Duration
	clock          bool
	highSince      time.Duration
	lastEdge       time.Duration
	convStart      time.Duration
	powerCycles    int
	ConversionTime time.Duration
}

// NewSim creates one simulated chip per source. now supplies the simulation time; nil
// uses the wall clock.
func NewSim(now func() time.Duration, sources ...Source) *Sim {
	if now == nil {
		start := time.Now()
		now = func() time.Duration { return time.Since(start) }
	}
	s := &Sim{now: now, ConversionTime: SimConversionTime}
	for _, src := range sources {
		s.chips = append(s.chips, simChip{source: src, gain: GainA128})
	}
	s.convStart = now()
	return s
}

// Masks returns the channel masks of the simulated chips.
func (s *Sim) Masks() []uint32 {
	return Masks(len(s.chips))
}

// SetSource replaces the value source of chip i.
func (s *Sim) SetSource(i int, src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chips[i].source = src
}

// Gain returns the gain chip i converts at.
func (s *Sim) Gain(i int) Gain {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settle(s.now())
	return s.chips[i].gain
}

// PoweredDown reports whether the clock has been high long enough to power down.
func (s *Sim) PoweredDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poweredDown(s.now())
}

// PowerCycles counts how often the chips were reset by a power down.
func (s *Sim) PowerCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powerCycles
}

// Clock implements Port.
func (s *Sim) Clock(high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if high == s.clock {
		return
	}
	s.clock = high

	if !high {
		if now-s.highSince >= simPowerDownTime {
			s.reset(now)
		}
		s.lastEdge = now
		return
	}

	s.highSince = now
	s.settle(now)
	for i := range s.chips {
		c := &s.chips[i]
		if c.pulses == 0 {
			c.word = encode(c.source(c.gain))
		}
		c.pulses++
	}
	s.lastEdge = now
}

// Data implements Port.
func (s *Sim) Data() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.poweredDown(now) {
		return 1<<len(s.chips) - 1
	}
	s.settle(now)

	var v uint32
	for i, c := range s.chips {
		switch {
		case c.pulses >= 1 && c.pulses <= DataBits:
			if c.word&(1<<(DataBits-c.pulses)) != 0 {
				v |= 1 << i
			}
		case c.pulses > DataBits:
			v |= 1 << i
		default:
			if now-s.convStart < s.ConversionTime {
				v |= 1 << i
			}
		}
	}
	return v
}

func (s *Sim) poweredDown(now time.Duration) bool {
	return s.clock && now-s.highSince >= simPowerDownTime
}

// settle completes a transfer once the clock has been idle low for a conversion period:
// the pulse count past the data word selects the next gain.
func (s *Sim) settle(now time.Duration) {
	if s.clock || now-s.lastEdge < s.ConversionTime {
		return
	}
	done := false
	for i := range s.chips {
		c := &s.chips[i]
		if c.pulses > DataBits {
			c.gain = Gain(min(c.pulses-DataBits, int(GainA64)))
			c.pulses = 0
			done = true
		}
	}
	if done {
		s.convStart = s.lastEdge
	}
}

func (s *Sim) reset(now time.Duration) {
	for i := range s.chips {
		s.chips[i].gain = GainA128
		s.chips[i].pulses = 0
	}
	s.convStart = now
	s.powerCycles++
}

func encode(v int32) uint32 {
	v = max(min(v, simFullScale), -simFullScale-1)
	return uint32(v) & (1<<DataBits - 1)
}

// SimClock is a manual clock for driving a Sim and a Bank in lockstep. Use Now as the
// Sim time source and Advance as the Bank's Delay and Sleep.
type SimClock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the simulation time.
func (c *SimClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *SimClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Config returns cfg with Delay and Sleep advancing c.
func (c *SimClock) Config(cfg Config) Config {
	cfg.Delay = c.Advance
	cfg.Sleep = c.Advance
	return cfg
}
