package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/meter"
	"github.com/itohio/goscale/pkg/monitor"
	"github.com/itohio/goscale/pkg/sample"
)

const (
	chainBuffer   = 500
	statsInterval = time.Second
	printInterval = time.Second
)

// monitorCmd streams telemetry through the converter chain into the meter and serves it
// until ctx is done.
func monitorCmd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	var (
		listen  = fs.String("listen", a.cfg.Monitor.Listen, "Metrics and websocket listen address")
		average = fs.Int("average", a.cfg.Meter.AverageSamples, "Samples to average (0 = disabled)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	a.cfg.Monitor.Listen = *listen
	a.cfg.Meter.AverageSamples = *average

	m := meter.New(a.cfg)
	srv := monitor.New(a.cfg, a.log)
	m.OnUpdate(srv.Update)
	m.OnUpdate(newPrinter(a))

	stream := sample.NewConverter(a.cfg, chainBuffer, a.log)(a.dev.Readings())
	if a.cfg.Meter.AverageSamples > 0 {
		stream = sample.NewAveragingConverterForSamples(a.cfg.Meter.AverageSamples, chainBuffer, a.log)(stream)
	}

	meterDone := make(chan struct{})
	go func() {
		defer close(meterDone)
		m.ProcessSamples(stream)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Run(ctx)
	}()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-srvErr:
			break loop
		case <-meterDone:
			err = errors.New("telemetry stream closed")
			break loop
		case <-ticker.C:
			if c := a.dev.Client(); c != nil {
				srv.Metrics().SetProtocolStats(c.Stats())
			}
		}
	}

	// Closing the device drains the chain and lets the meter return.
	cancel()
	a.dev.Close()
	<-meterDone
	return err
}

// newPrinter logs the newest sample once per printInterval and every completed pour.
func newPrinter(a *app) meter.UpdateFunc {
	var (
		last     time.Time
		lastPour time.Time
	)
	unit := a.cfg.DisplayUnit()
	return func(samples []sample.Sample, flow []float64, pours []meter.Pour) {
		if len(samples) == 0 {
			return
		}
		s := samples[len(samples)-1]
		if s.Timestamp.Sub(last) >= printInterval {
			last = s.Timestamp
			var f float64
			if len(flow) > 0 {
				f = flow[len(flow)-1]
			}
			fmt.Fprintf(a.out, "%s  mass %.3f %s  flow %.3f %s/s  temperature %.2f °C\n",
				s.Timestamp.Format(time.TimeOnly), s.Mass, unit, f, unit, s.Temperature)
		}
		for _, p := range pours {
			if p.Active || !p.EndTime.After(lastPour) {
				continue
			}
			lastPour = p.EndTime
			a.log.Info("pour",
				zap.Float64("amount", p.Amount),
				zap.Float64("rate", p.Rate()),
				zap.Duration("duration", p.Duration()),
				zap.String("unit", unit.String()),
			)
		}
	}
}
