package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itohio/goscale/pkg/device"
	"github.com/itohio/goscale/pkg/sample"
	"github.com/itohio/goscale/pkg/store"
)

func portsCmd(_ context.Context, a *app, _ []string) error {
	ports, err := device.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(a.out, "No serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.Description != "" {
			fmt.Fprintf(a.out, "%s\t%s\n", p.Name, p.Description)
		} else {
			fmt.Fprintln(a.out, p.Name)
		}
	}
	return nil
}

func loopbackCmd(ctx context.Context, a *app, args []string) error {
	data := "ping"
	if len(args) > 0 {
		data = args[0]
	}
	start := time.Now()
	echo, err := a.dev.Client().Loopback(ctx, []byte(data))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s (%v)\n", echo, time.Since(start).Round(time.Microsecond))
	return nil
}

// record is the get/set/reset surface shared by the persisted records.
type record[T any] struct {
	get   func(context.Context) (T, error)
	set   func(context.Context, T) error
	reset func(context.Context) error
}

func (r record[T]) run(ctx context.Context, a *app, args []string) error {
	op := "get"
	if len(args) > 0 {
		op = args[0]
	}

	switch op {
	case "get":
		v, err := r.get(ctx)
		if err != nil {
			return err
		}
		return printYAML(a, v)
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("set needs a YAML file")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		// Fields missing from the file keep their current values.
		v, err := r.get(ctx)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[1], err)
		}
		return r.set(ctx, v)
	case "reset":
		return r.reset(ctx)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func printYAML(a *app, v any) error {
	enc := yaml.NewEncoder(a.out)
	defer enc.Close()
	return enc.Encode(v)
}

func calibrationCmd(ctx context.Context, a *app, args []string) error {
	c := a.dev.Client()
	return record[store.Calibration]{c.Calibration, c.SetCalibration, c.ResetCalibration}.run(ctx, a, args)
}

func identityCmd(ctx context.Context, a *app, args []string) error {
	c := a.dev.Client()
	return record[store.Identity]{c.Identity, c.SetIdentity, c.ResetIdentity}.run(ctx, a, args)
}

func tareCmd(ctx context.Context, a *app, args []string) error {
	c := a.dev.Client()
	if len(args) == 0 || args[0] != "set" {
		return record[store.Tare]{c.Tare, c.SetTare, c.ClearTare}.run(ctx, a, translateClear(args))
	}

	if len(args) != 3 {
		return fmt.Errorf("tare set needs SLOT and VALUE")
	}
	slot, err := strconv.Atoi(args[1])
	if err != nil || slot < 0 || slot >= store.TareSlots {
		return fmt.Errorf("invalid tare slot %q, want 0..%d", args[1], store.TareSlots-1)
	}
	value, err := strconv.ParseFloat(args[2], 32)
	if err != nil {
		return fmt.Errorf("invalid tare value %q: %w", args[2], err)
	}

	t, err := c.Tare(ctx)
	if err != nil {
		return err
	}
	unit := a.cfg.DisplayUnit()
	t.Slots[slot] = store.TareSlot{
		Value:     unit.ToGrams(float32(value)),
		Unit:      unit,
		Enabled:   true,
		Timestamp: uint32(time.Now().Unix()),
	}
	return c.SetTare(ctx, t)
}

// translateClear maps "tare clear" onto the shared reset operation.
func translateClear(args []string) []string {
	if len(args) > 0 && args[0] == "clear" {
		return []string{"reset"}
	}
	return args
}

func powerCmd(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("power needs on or off")
	}
	c := a.dev.Client()
	switch args[0] {
	case "on":
		return c.PowerOn(ctx)
	case "off":
		return c.PowerOff(ctx)
	default:
		return fmt.Errorf("unknown power state %q", args[0])
	}
}

func readCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	var (
		times = fs.Int("n", a.cfg.Client.ReadTimes, "Acquisitions averaged by the scale")
		raw   = fs.Bool("raw", false, "Report filtered amplifier counts instead of mass")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	r, err := a.dev.Client().Read(ctx, *times, *raw)
	if err != nil {
		return err
	}

	if r.Raw {
		for i, v := range r.SensorMass {
			fmt.Fprintf(a.out, "sensor %d: %.0f counts\n", i, v)
		}
		for i, v := range r.SensorTemperature {
			fmt.Fprintf(a.out, "thermistor %d: %.0f counts\n", i, v)
		}
		return nil
	}

	unit := a.cfg.DisplayUnit()
	s := sample.Convert(r, unit)
	fmt.Fprintf(a.out, "mass %.3f %s  rate %.3f %s/s  tare %.3f %s  temperature %.2f °C\n",
		s.Mass, unit, s.Rate, unit, s.Tare, unit, s.Temperature)
	for i, v := range s.Sensors {
		fmt.Fprintf(a.out, "sensor %d: %.3f %s\n", i, v, unit)
	}
	if s.Flagged {
		fmt.Fprintf(a.out, "out of threshold: errors %v\n", r.Errors)
	}
	return nil
}
