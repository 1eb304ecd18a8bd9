//go:build tinygo

package main

import "machine"

const (
	// HX711 wiring: all amplifiers share one clock line, each has its own data line.
	PIN_HX711_CLOCK = machine.D1
	PIN_HX711_DATA1 = machine.D2
	PIN_HX711_DATA2 = machine.D3

	// Thermistor dividers, one per load cell
	PIN_THERMISTOR1 = machine.A9
	PIN_THERMISTOR2 = machine.A10

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits, scaled to 16 bits by machine.ADC

	// Serial configuration
	// Largest frame is a raw read: 5 tare + 2x2 sensor values + scalars, ~120 bytes with
	// escaping. At 10 telemetry frames/sec that is 1,200 bytes/sec, 12,000 baud in 8N1.
	// 115200 leaves headroom for back to back commands.
	UART_BAUD_RATE = 115200

	// Zero tracking: drift within ±0.5 g at under 0.1 g/s is folded into the auto tare slot
	AUTO_ZERO_BAND = 0.5
	AUTO_ZERO_RATE = 0.1
)
