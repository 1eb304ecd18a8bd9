// Package scale assembles the firmware core: amplifier and thermistor banks, the
// measurement pipeline, the persisted records and the command dispatcher, driven by one
// cooperative loop. The TinyGo firmware, the host simulator and the device mock all run
// the same Scale.
package scale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/dispatch"
	"github.com/itohio/goscale/pkg/hx711"
	"github.com/itohio/goscale/pkg/measure"
	"github.com/itohio/goscale/pkg/nvm"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/store"
	"github.com/itohio/goscale/pkg/tasks"
	"github.com/itohio/goscale/pkg/thermistor"
)

// PowerInterval is how often the sleep and wake policy is evaluated.
const PowerInterval = time.Second

// Parts are the hardware bindings of a scale.
type Parts struct {
	Transport packet.Transport
	Storage   nvm.Storage
	Layout    store.Layout

	// Port drives the amplifiers; Masks select one data line per chip.
	Port      hx711.Port
	Masks     []uint32
	Amplifier hx711.Config

	Thermistors []thermistor.ADC
	// Measure configures the pipeline. A nil Thermistor.Model follows the identity's
	// temperature sensor type.
	Measure measure.Config

	// Clock is the loop time source; nil uses the wall clock. Sleep idles the loop.
	Clock func() time.Duration
	Sleep func(time.Duration)
}

// Scale is a running firmware core. It is not safe for concurrent use; everything runs
// from Run or Step.
type Scale struct {
	Stores      *store.Stores
	Bank        *hx711.Bank
	Thermistors *thermistor.Bank
	Pipeline    *measure.Pipeline
	Protocol    *packet.Protocol
	Dispatcher  *dispatch.Dispatcher
	Loop        *tasks.Loop

	log        *zap.Logger
	measure    *tasks.Task
	autoModel  bool
	sensorType store.SensorType
	commands   int
	active     time.Duration
	asleep     time.Duration
	down       bool
}

// New opens the persisted records and wires every component.
func New(p Parts, log *zap.Logger) (*Scale, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if p.Clock == nil {
		start := time.Now()
		p.Clock = func() time.Duration { return time.Since(start) }
	}
	if p.Sleep == nil {
		p.Sleep = time.Sleep
	}

	stores, err := store.Open(p.Storage, p.Layout, log.Named("nvm"))
	if err != nil {
		return nil, fmt.Errorf("failed to open records: %w", err)
	}
	for _, name := range stores.Recovered() {
		log.Warn("record was corrupt and has been reset to defaults", zap.String("record", name))
	}
	bank, err := hx711.New(p.Port, p.Masks, p.Amplifier, log.Named("hx711"))
	if err != nil {
		return nil, fmt.Errorf("failed to create amplifier bank: %w", err)
	}

	id := stores.Identity.Get()
	if int(id.MassSensorCount) != bank.Channels() {
		log.Warn("mass sensor count differs from wiring",
			zap.Uint8("identity", id.MassSensorCount), zap.Int("channels", bank.Channels()))
	}

	s := &Scale{
		Stores: stores,
		Bank:   bank,
		log:    log,
	}

	var temp measure.TemperatureSource
	if len(p.Thermistors) > 0 {
		s.Thermistors = thermistor.NewBank(p.Thermistors...)
		temp = s.Thermistors
	}
	if p.Measure.Clock == nil {
		p.Measure.Clock = p.Clock
	}
	if p.Measure.Thermistor.Model == nil {
		s.autoModel, s.sensorType = true, id.TemperatureSensorType
		p.Measure.Thermistor.Model = TemperatureModel(id.TemperatureSensorType)
	}
	s.Pipeline = measure.New(bank, temp, stores, p.Measure, log.Named("measure"))
	s.Protocol = packet.New(p.Transport, log.Named("packet"))
	s.Dispatcher = dispatch.New(s.Protocol, stores, s.Pipeline, bank, log.Named("dispatch"))

	s.Loop = tasks.New(log.Named("tasks"), tasks.WithClock(p.Clock, p.Sleep))
	s.Loop.Add("dispatch", 0, s.dispatch)
	s.measure = s.Loop.Add("measure", s.telemetryInterval(), s.update)
	s.Loop.Add("power", PowerInterval, s.power)

	s.active = p.Clock()
	log.Info("scale started",
		zap.String("firmware", id.Firmware()),
		zap.Uint32("serial", id.SerialNumber),
		zap.Int("mass_channels", bank.Channels()),
		zap.Int("thermistors", len(p.Thermistors)))
	return s, nil
}

// TemperatureModel returns the resistance to temperature conversion of a thermistor part.
func TemperatureModel(t store.SensorType) thermistor.Model {
	switch t {
	case store.SensorNTC100K:
		return thermistor.SH100K
	default:
		return thermistor.SH10K
	}
}

// Run drives the loop until ctx is done.
func (s *Scale) Run(ctx context.Context) error {
	return s.Loop.Run(ctx)
}

// Step runs every due task once.
func (s *Scale) Step() int {
	return s.Loop.Step()
}

func (s *Scale) telemetryInterval() time.Duration {
	return time.Duration(s.Stores.Identity.Get().TelemetryInterval) * time.Millisecond
}

func (s *Scale) dispatch(time.Duration) error {
	return s.Dispatcher.Poll()
}

// update refreshes the snapshot while the amplifiers are powered. A chip that has not
// finished converting is skipped until the next period.
func (s *Scale) update(time.Duration) error {
	s.measure.SetInterval(s.telemetryInterval())
	s.syncModel()
	if !s.Bank.Powered() {
		return nil
	}
	err := s.Pipeline.Update()
	if errors.Is(err, hx711.ErrNotReady) {
		s.log.Debug("amplifiers not ready")
		return nil
	}
	return err
}

// syncModel follows identity changes of the temperature sensor type.
func (s *Scale) syncModel() {
	t := s.Stores.Identity.Get().TemperatureSensorType
	if !s.autoModel || t == s.sensorType {
		return
	}
	s.sensorType = t
	s.Pipeline.SetThermistorModel(TemperatureModel(t))
	s.log.Info("thermistor model changed", zap.Uint8("sensor_type", uint8(t)))
}

// power puts the amplifiers to sleep after SleepTimeout seconds without commands on
// battery units, and wakes them every AutoWakeInterval seconds on units with auto wake.
func (s *Scale) power(now time.Duration) error {
	id := s.Stores.Identity.Get()

	if n := s.Dispatcher.Stats().Commands; n != s.commands {
		s.commands = n
		s.active = now
	}

	if s.Bank.Powered() {
		s.down = false
		timeout := time.Duration(id.SleepTimeout) * time.Second
		if id.Features&store.FeatureBattery == 0 || timeout == 0 || now-s.active < timeout {
			return nil
		}
		s.Bank.PowerDown()
		s.down, s.asleep = true, now
		s.log.Info("amplifiers asleep", zap.Duration("idle", now-s.active))
		return nil
	}

	if !s.down {
		// Powered off by command.
		s.down, s.asleep = true, now
	}
	wake := time.Duration(id.AutoWakeInterval) * time.Second
	if id.Features&store.FeatureAutoWake == 0 || wake == 0 || now-s.asleep < wake {
		return nil
	}
	s.Bank.PowerUp()
	s.Pipeline.Reset()
	s.down, s.active = false, now
	s.log.Info("amplifiers woke up")
	return nil
}
