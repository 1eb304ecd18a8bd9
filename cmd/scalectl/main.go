// Command scalectl talks to a scale over a serial port: it reads and edits the persisted
// records, takes readings and runs a live monitor with metrics and pour detection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/device"
	"github.com/itohio/goscale/pkg/logging"
)

var errUsage = errors.New("usage")

// app carries what every command needs.
type app struct {
	cfg *config.Config
	log *zap.Logger
	out io.Writer
	dev device.Device
}

type command struct {
	usage  string
	run    func(ctx context.Context, a *app, args []string) error
	device bool // Needs a connected device
	poll   bool // Needs telemetry polling
}

var commands = map[string]command{
	"ports":       {usage: "ports", run: portsCmd},
	"loopback":    {usage: "loopback [text]", run: loopbackCmd, device: true},
	"calibration": {usage: "calibration [get | set FILE | reset]", run: calibrationCmd, device: true},
	"identity":    {usage: "identity [get | set FILE | reset]", run: identityCmd, device: true},
	"tare":        {usage: "tare [get | set SLOT VALUE | clear]", run: tareCmd, device: true},
	"power":       {usage: "power on|off", run: powerCmd, device: true},
	"read":        {usage: "read [-n times] [-raw]", run: readCmd, device: true},
	"monitor":     {usage: "monitor [-listen addr] [-average n]", run: monitorCmd, device: true, poll: true},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	fs := flag.NewFlagSet("scalectl", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var (
		portFlag   = fs.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag = fs.String("config", "config.yaml", "Configuration file path")
		mockFlag   = fs.Bool("mock", false, "Use a simulated scale instead of the serial port")
		unitFlag   = fs.String("unit", "", "Display unit: g, kg, oz, lb (overrides meter.unit)")
		levelFlag  = fs.String("log-level", "", "Log level (overrides logging.level)")
	)
	fs.Usage = func() {
		fmt.Fprintln(errOut, "Usage: scalectl [flags] command [args]")
		fmt.Fprintln(errOut, "\nCommands:")
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(errOut, "  %s\n", commands[name].usage)
		}
		fmt.Fprintln(errOut, "\nFlags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *unitFlag != "" {
		cfg.Meter.Unit = *unitFlag
	}
	if *levelFlag != "" {
		cfg.Logging.Level = *levelFlag
	}
	if !cmd.poll {
		cfg.Client.PollInterval = 0
	}

	log := logging.NewWriter(cfg.Logging, errOut)
	defer log.Sync()

	a := &app{cfg: cfg, log: log, out: out}
	if cmd.device {
		if *mockFlag {
			a.dev = device.NewMock(cfg.Simulator, cfg.Client, nil, log)
		} else {
			a.dev = device.New(cfg.Serial, cfg.Client, log)
		}
		if err := a.dev.Connect(); err != nil {
			return err
		}
		defer a.dev.Close()
	}

	return cmd.run(ctx, a, fs.Args()[1:])
}
