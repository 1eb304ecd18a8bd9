// Package hx711 drives up to five HX711-style bridge amplifiers that share one clock line.
//
// Every chip has its own data line, but all data lines are read through one Port in a
// single access, so one pass of 24 clock pulses reads every chip at once. The extra
// pulses after the data word select gain and input for the next conversion, so a gain
// change takes effect one conversion later.
package hx711

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxChannels is the number of chips one bank supports.
	MaxChannels = 5
	// DataBits is the conversion word width.
	DataBits = 24
)

var (
	// ErrNotReady is returned when not every chip signalled a finished conversion in time.
	ErrNotReady = errors.New("sensor not ready")
	// ErrPoweredDown is returned when sampling a bank that is powered down.
	ErrPoweredDown = fmt.Errorf("%w: powered down", ErrNotReady)
	// ErrInvalidChannels is returned for bad channel masks.
	ErrInvalidChannels = errors.New("invalid channel masks")
	// ErrInvalidGain is returned for unknown gain values.
	ErrInvalidGain = errors.New("invalid gain")
)

// Port is the clock output and the shared data input register.
type Port interface {
	// Clock drives the shared clock line.
	Clock(high bool)
	// Data returns the level of every data line, one bit per line.
	Data() uint32
}

// Gain selects input channel and amplification. The value is the number of extra
// clock pulses that select it.
type Gain uint8

const (
	GainA128 Gain = 1
	GainB32  Gain = 2
	GainA64  Gain = 3
)

// Valid reports whether g is a known gain.
func (g Gain) Valid() bool {
	return g >= GainA128 && g <= GainA64
}

func (g Gain) String() string {
	switch g {
	case GainA128:
		return "A128"
	case GainB32:
		return "B32"
	case GainA64:
		return "A64"
	default:
		return fmt.Sprintf("Gain(%d)", uint8(g))
	}
}

// Config holds timing parameters.
type Config struct {
	// PulseDelay is held in both clock phases.
	PulseDelay time.Duration
	// ReadyRetries and ReadyDelay bound WaitReady.
	ReadyRetries int
	ReadyDelay   time.Duration
	// PowerDownDelay is how long the clock stays high to power the chips down.
	PowerDownDelay time.Duration
	// SettleTime is waited after power up.
	SettleTime time.Duration
	// Delay busy-waits for sub-millisecond delays. Defaults to a spin loop.
	Delay func(time.Duration)
	// Sleep waits between ready polls and while settling. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// DefaultConfig returns timings that satisfy the HX711 datasheet at 10 SPS.
func DefaultConfig() Config {
	return Config{
		PulseDelay:     time.Microsecond,
		ReadyRetries:   200,
		ReadyDelay:     time.Millisecond,
		PowerDownDelay: 80 * time.Microsecond,
		SettleTime:     50 * time.Millisecond,
		Delay:          Spin,
		Sleep:          time.Sleep,
	}
}

// Spin busy-waits for d.
func Spin(d time.Duration) {
	start := time.Now()
	for time.Since(start) < d {
	}
}

// Bank is a set of chips sharing one clock line.
type Bank struct {
	port   Port
	masks  []uint32
	all    uint32
	cfg    Config
	log    *zap.Logger
	acc    [MaxChannels]uint32
	gain   Gain
	active Gain
	down   bool
}

// New creates a bank reading one channel per mask. Each mask selects the single bit of
// Port.Data that carries that chip's data line.
func New(port Port, masks []uint32, cfg Config, log *zap.Logger) (*Bank, error) {
	if len(masks) == 0 || len(masks) > MaxChannels {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidChannels, len(masks))
	}
	var all uint32
	for i, m := range masks {
		if m == 0 || m&(m-1) != 0 || all&m != 0 {
			return nil, fmt.Errorf("%w: mask %d is 0x%x", ErrInvalidChannels, i, m)
		}
		all |= m
	}

	def := DefaultConfig()
	if cfg.Delay == nil {
		cfg.Delay = def.Delay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = def.Sleep
	}
	if cfg.ReadyRetries <= 0 {
		cfg.ReadyRetries = def.ReadyRetries
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Bank{
		port:   port,
		masks:  append([]uint32(nil), masks...),
		all:    all,
		cfg:    cfg,
		log:    log,
		gain:   GainA128,
		active: GainA128,
	}, nil
}

// Channels returns the number of chips.
func (b *Bank) Channels() int {
	return len(b.masks)
}

// SetGain requests gain g. It is sent after the next conversion and applies from the one
// after that.
func (b *Bank) SetGain(g Gain) error {
	if !g.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidGain, g)
	}
	b.gain = g
	return nil
}

// Gain returns the requested gain.
func (b *Bank) Gain() Gain {
	return b.gain
}

// ActiveGain returns the gain of the conversion currently in progress.
func (b *Bank) ActiveGain() Gain {
	return b.active
}

// Ready reports whether every chip pulled its data line low.
func (b *Bank) Ready() bool {
	return b.port.Data()&b.all == 0
}

// WaitReady polls until every chip is ready, giving up after ReadyRetries polls.
func (b *Bank) WaitReady() error {
	if b.down {
		return ErrPoweredDown
	}
	for range b.cfg.ReadyRetries {
		if b.Ready() {
			return nil
		}
		b.cfg.Sleep(b.cfg.ReadyDelay)
	}
	b.log.Debug("amplifiers not ready",
		zap.Uint32("lines", b.port.Data()&b.all), zap.Int("retries", b.cfg.ReadyRetries))
	return ErrNotReady
}

// Sample waits for a conversion and reads every chip, appending one value per channel
// to dst[:0].
func (b *Bank) Sample(dst []int32) ([]int32, error) {
	if err := b.WaitReady(); err != nil {
		return dst[:0], err
	}

	b.read()

	dst = dst[:0]
	for i := range b.masks {
		dst = append(dst, SignExtend(b.acc[i]))
	}
	return dst, nil
}

// read clocks the data word and gain pulses with interrupts disabled: a clock high phase
// stretched past 60 µs powers the chips down and corrupts every channel.
func (b *Bank) read() {
	for i := range b.masks {
		b.acc[i] = 0
	}

	cs := enterCritical()
	for range DataBits {
		b.port.Clock(true)
		b.cfg.Delay(b.cfg.PulseDelay)
		data := b.port.Data()
		b.port.Clock(false)
		for i, m := range b.masks {
			b.acc[i] <<= 1
			if data&m != 0 {
				b.acc[i] |= 1
			}
		}
		b.cfg.Delay(b.cfg.PulseDelay)
	}
	for range int(b.gain) {
		b.port.Clock(true)
		b.cfg.Delay(b.cfg.PulseDelay)
		b.port.Clock(false)
		b.cfg.Delay(b.cfg.PulseDelay)
	}
	exitCritical(cs)

	b.active = b.gain
}

// PowerDown holds the clock high long enough for the chips to enter power down.
func (b *Bank) PowerDown() {
	b.port.Clock(true)
	b.cfg.Delay(b.cfg.PowerDownDelay)
	b.down = true
	b.log.Debug("amplifiers powered down")
}

// PowerUp releases the clock and waits for the chips to settle. The chips restart at
// gain A128; a different requested gain is sent after the next conversion.
func (b *Bank) PowerUp() {
	b.port.Clock(false)
	b.cfg.Sleep(b.cfg.SettleTime)
	b.down = false
	b.active = GainA128
	b.log.Debug("amplifiers powered up")
}

// Powered reports whether the bank is powered up.
func (b *Bank) Powered() bool {
	return !b.down
}

// SignExtend converts a 24-bit two's complement word to int32.
func SignExtend(v uint32) int32 {
	v &= 1<<DataBits - 1
	if v&(1<<(DataBits-1)) != 0 {
		v |= ^uint32(1<<DataBits - 1)
	}
	return int32(v)
}
