//go:build tinygo

package hx711

import "machine"

// PinPort drives the bank with GPIO pins: one clock output and one input per chip.
type PinPort struct {
	clock machine.Pin
	data  []machine.Pin
}

// NewPinPort configures the pins. Data line i is reported in bit i.
func NewPinPort(clock machine.Pin, data ...machine.Pin) *PinPort {
	clock.Configure(machine.PinConfig{Mode: machine.PinOutput})
	clock.Low()
	for _, p := range data {
		p.Configure(machine.PinConfig{Mode: machine.PinInput})
	}
	return &PinPort{clock: clock, data: data}
}

// Clock drives the clock pin.
func (p *PinPort) Clock(high bool) {
	p.clock.Set(high)
}

// Data reads every data pin.
func (p *PinPort) Data() uint32 {
	var v uint32
	for i, pin := range p.data {
		if pin.Get() {
			v |= 1 << i
		}
	}
	return v
}

// Masks returns the channel masks matching Data.
func (p *PinPort) Masks() []uint32 {
	return Masks(len(p.data))
}
