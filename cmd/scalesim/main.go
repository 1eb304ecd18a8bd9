// Command scalesim runs the scale core against simulated amplifiers and thermistors and
// serves it on a serial port, so host tools can be exercised without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/logging"
	"github.com/itohio/goscale/pkg/nvm"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/scale"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port to serve on (overrides simulator.port)")
		baudFlag   = flag.Int("baud", 0, "Baud rate (overrides serial.baud_rate)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		nvmFlag    = flag.String("nvm", "", "NVM image path (overrides nvm.path)")
		loadFlag   = flag.Float64("load", -1, "Grams on the platform (overrides simulator.load)")
		levelFlag  = flag.String("log-level", "", "Log level (overrides logging.level)")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != "" {
		cfg.Simulator.Port = *portFlag
	}
	if *baudFlag > 0 {
		cfg.Serial.BaudRate = *baudFlag
	}
	if *nvmFlag != "" {
		cfg.NVM.Path = *nvmFlag
	}
	if *loadFlag >= 0 {
		cfg.Simulator.Load = *loadFlag
	}
	if *levelFlag != "" {
		cfg.Logging.Level = *levelFlag
	}

	log := logging.New(cfg.Logging)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("simulator stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Simulator.Port == "" {
		return errors.New("no serial port configured, use -p")
	}

	storage, err := nvm.OpenFile(cfg.NVM.Path)
	if err != nil {
		return err
	}
	defer storage.Close()

	port, err := serial.Open(cfg.Simulator.Port, &serial.Mode{BaudRate: cfg.Serial.BaudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", cfg.Simulator.Port, err)
	}
	defer port.Close()

	stream := packet.NewStream(port, 0)
	sim := scale.NewSimulator(cfg.Simulator, nil)
	s, err := scale.New(sim.Parts(stream, storage, cfg.NVM.Layout), log.Named("scale"))
	if err != nil {
		return err
	}

	log.Info("serving simulated scale",
		zap.String("port", cfg.Simulator.Port),
		zap.Int("baud_rate", cfg.Serial.BaudRate),
		zap.String("nvm", cfg.NVM.Path),
		zap.Int("sensors", sim.Model.Sensors()),
		zap.Float64("load", cfg.Simulator.Load),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stream.Done():
			log.Warn("serial port closed", zap.Error(stream.Err()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.Run(ctx)
}
