package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goscale/pkg/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Client.Timeout = 2 * time.Second
	cfg.Logging.Level = "error"
	cfg.Simulator.Load = 100
	cfg.Simulator.PourPeriod = 0

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func runMock(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := run(ctx, append([]string{"-mock", "-config", path}, args...), &out, &errOut)
	return out.String(), err
}

func TestRunCommands(t *testing.T) {
	path := writeConfig(t)
	calFile := filepath.Join(t.TempDir(), "cal.yaml")
	require.NoError(t, os.WriteFile(calFile, []byte("referencetemperature: 20\n"), 0o644))

	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{"loopback", []string{"loopback", "hello"}, []string{"hello"}},
		{"loopback default", []string{"loopback"}, []string{"ping"}},
		{"calibration get", []string{"calibration", "get"}, []string{"referencetemperature: 25", "massslope: 1"}},
		{"calibration set", []string{"calibration", "set", calFile}, nil},
		{"calibration reset", []string{"calibration", "reset"}, nil},
		{"identity", []string{"identity"}, []string{"serialnumber:", "telemetryinterval:"}},
		{"tare get", []string{"tare", "get"}, []string{"slots:"}},
		{"tare set", []string{"tare", "set", "1", "2.5"}, nil},
		{"tare clear", []string{"tare", "clear"}, nil},
		{"power off", []string{"power", "off"}, nil},
		{"power on", []string{"power", "on"}, nil},
		{"read", []string{"read"}, []string{"mass 100", "sensor 0:", "temperature 2"}},
		{"read in kg", []string{"-unit", "kg", "read", "-n", "2"}, []string{"mass 0.100 kg"}},
		{"read raw", []string{"read", "-raw"}, []string{"sensor 0:", "counts", "thermistor 0:"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runMock(t, path, tt.args...)
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	path := writeConfig(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"bogus"}},
		{"unknown flag", []string{"-bogus", "read"}},
		{"bad tare slot", []string{"tare", "set", "9", "1"}},
		{"bad tare value", []string{"tare", "set", "1", "x"}},
		{"tare set arity", []string{"tare", "set", "1"}},
		{"power arity", []string{"power"}},
		{"bad power state", []string{"power", "sideways"}},
		{"unknown record op", []string{"identity", "frobnicate"}},
		{"set without file", []string{"calibration", "set"}},
		{"set missing file", []string{"calibration", "set", filepath.Join(t.TempDir(), "missing.yaml")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runMock(t, path, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestMonitorCommand(t *testing.T) {
	path := writeConfig(t)

	var out, errOut bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	err := run(ctx, []string{"-mock", "-config", path, "monitor", "-listen", "127.0.0.1:0"}, &out, &errOut)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "mass 100")
}
