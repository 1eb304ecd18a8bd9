//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"context"
	"machine"
	"time"

	"github.com/itohio/goscale/pkg/hx711"
	"github.com/itohio/goscale/pkg/measure"
	"github.com/itohio/goscale/pkg/nvm"
	"github.com/itohio/goscale/pkg/scale"
	"github.com/itohio/goscale/pkg/store"
	"github.com/itohio/goscale/pkg/thermistor"
)

var uart = machine.UART0

func main() {
	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	port := hx711.NewPinPort(PIN_HX711_CLOCK, PIN_HX711_DATA1, PIN_HX711_DATA2)

	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	var adcs []thermistor.ADC
	for _, pin := range []machine.Pin{PIN_THERMISTOR1, PIN_THERMISTOR2} {
		pin.Configure(machine.PinConfig{Mode: machine.PinInput})
		adc := machine.ADC{Pin: pin}
		adc.Configure(adcConfig)
		adcs = append(adcs, adc)
	}

	measureConfig := measure.DefaultConfig()
	measureConfig.AutoZeroBand = AUTO_ZERO_BAND
	measureConfig.AutoZeroRate = AUTO_ZERO_RATE

	s, err := scale.New(scale.Parts{
		Transport:   uart,
		Storage:     nvm.NewFlash(machine.Flash),
		Layout:      store.DefaultLayout,
		Port:        port,
		Masks:       port.Masks(),
		Amplifier:   hx711.DefaultConfig(),
		Thermistors: adcs,
		Measure:     measureConfig,
	}, nil)
	if err != nil {
		halt(err)
	}

	s.Run(context.Background())
}

// halt reports a fatal wiring error on the console forever.
func halt(err error) {
	for {
		println("goscale:", err.Error())
		time.Sleep(5 * time.Second)
	}
}
