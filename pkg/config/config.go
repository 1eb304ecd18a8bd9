package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itohio/goscale/pkg/store"
)

// Config represents the host tools configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Logging   LoggingConfig   `yaml:"logging"`
	Client    ClientConfig    `yaml:"client"`
	Meter     MeterConfig     `yaml:"meter"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Simulator SimulatorConfig `yaml:"simulator"`
	NVM       NVMConfig       `yaml:"nvm"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// LoggingConfig selects level, encoding and an optional rotating log file.
type LoggingConfig struct {
	Level  string        `yaml:"level"`  // debug, info, warn, error
	Format string        `yaml:"format"` // console or json
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig configures log rotation. An empty Filename disables the file.
type LogFileConfig struct {
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ClientConfig contains command client parameters.
type ClientConfig struct {
	Timeout      time.Duration `yaml:"timeout"`       // Per-command response timeout
	Retries      int           `yaml:"retries"`       // Retries after a timeout
	RateLimit    float64       `yaml:"rate_limit"`    // Commands per second
	Burst        int           `yaml:"burst"`         // Commands allowed back to back
	PollInterval time.Duration `yaml:"poll_interval"` // Telemetry read period
	ReadTimes    int           `yaml:"read_times"`    // Acquisitions averaged per read
	BufferSize   int           `yaml:"buffer_size"`   // Telemetry channel buffer
}

// MeterConfig contains history and pour detection parameters.
type MeterConfig struct {
	WindowSeconds   float64       `yaml:"window_seconds"`
	Unit            string        `yaml:"unit"`              // g, kg, oz, lb
	FlowThreshold   float64       `yaml:"flow_threshold"`    // g/s that counts as pouring
	MinPourDuration time.Duration `yaml:"min_pour_duration"` // Shorter pours are noise
	AverageSamples  int           `yaml:"average_samples"`   // Moving average window (0 = disabled)
}

// MonitorConfig configures the metrics and live telemetry endpoints.
type MonitorConfig struct {
	Enable        bool   `yaml:"enable"`
	Listen        string `yaml:"listen"`
	MetricsPath   string `yaml:"metrics_path"`
	WebSocketPath string `yaml:"websocket_path"`
	HistoryPath   string `yaml:"history_path"`
	HistoryPoints int    `yaml:"history_points"`
}

// SimulatorConfig describes the simulated scale.
type SimulatorConfig struct {
	Port           string            `yaml:"port"`            // Serial device the simulator serves on
	Sensors        []SimSensorConfig `yaml:"sensors"`         // One entry per amplifier
	Temperatures   []float64         `yaml:"temperatures"`    // One entry per thermistor, °C
	Load           float64           `yaml:"load"`            // Grams placed on the platform
	NoiseCounts    float64           `yaml:"noise_counts"`    // Peak noise in ADC counts
	PourRate       float64           `yaml:"pour_rate"`       // g/s added while pouring
	PourDuration   time.Duration     `yaml:"pour_duration"`   // Length of a simulated pour
	PourPeriod     time.Duration     `yaml:"pour_period"`     // Time between pours (0 = never)
	ConversionTime time.Duration     `yaml:"conversion_time"` // Amplifier conversion period
	AutoZeroBand   float64           `yaml:"auto_zero_band"`  // Grams of drift tracked near zero (0 = off)
	AutoZeroRate   float64           `yaml:"auto_zero_rate"`  // Largest g/s still treated as drift
}

// SimSensorConfig describes one simulated load cell.
type SimSensorConfig struct {
	Offset        int32   `yaml:"offset"`          // Counts at zero load
	CountsPerGram float64 `yaml:"counts_per_gram"` // Sensitivity
	Share         float64 `yaml:"share"`           // Fraction of the load carried
}

// NVMConfig places the persistent store.
type NVMConfig struct {
	Path   string       `yaml:"path"`
	Layout store.Layout `yaml:"layout"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File: LogFileConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Client: ClientConfig{
			Timeout:      500 * time.Millisecond,
			Retries:      2,
			RateLimit:    20,
			Burst:        4,
			PollInterval: 250 * time.Millisecond,
			ReadTimes:    1,
			BufferSize:   100,
		},
		Meter: MeterConfig{
			WindowSeconds:   60,
			Unit:            "g",
			FlowThreshold:   1.0,
			MinPourDuration: time.Second,
			AverageSamples:  0,
		},
		Monitor: MonitorConfig{
			Enable:        false,
			Listen:        ":9105",
			MetricsPath:   "/metrics",
			WebSocketPath: "/ws",
			HistoryPath:   "/history",
			HistoryPoints: 500,
		},
		Simulator: SimulatorConfig{
			Sensors: []SimSensorConfig{
				{Offset: 0, CountsPerGram: 1, Share: 1},
			},
			Temperatures:   []float64{25},
			Load:           0,
			NoiseCounts:    0,
			PourRate:       5,
			PourDuration:   4 * time.Second,
			PourPeriod:     0,
			ConversionTime: 100 * time.Millisecond,
		},
		NVM: NVMConfig{
			Path:   "goscale-nvm.bin",
			Layout: store.DefaultLayout,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DisplayUnit returns the configured meter unit, falling back to grams.
func (c *Config) DisplayUnit() store.Unit {
	u, ok := store.ParseUnit(c.Meter.Unit)
	if !ok {
		return store.UnitGrams
	}
	return u
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}

	if c.Client.Timeout == 0 {
		c.Client.Timeout = def.Client.Timeout
	}
	if c.Client.RateLimit == 0 {
		c.Client.RateLimit = def.Client.RateLimit
	}
	if c.Client.Burst == 0 {
		c.Client.Burst = def.Client.Burst
	}
	if c.Client.PollInterval == 0 {
		c.Client.PollInterval = def.Client.PollInterval
	}
	if c.Client.ReadTimes == 0 {
		c.Client.ReadTimes = def.Client.ReadTimes
	}
	if c.Client.BufferSize == 0 {
		c.Client.BufferSize = def.Client.BufferSize
	}

	if c.Meter.WindowSeconds == 0 {
		c.Meter.WindowSeconds = def.Meter.WindowSeconds
	}
	if c.Meter.Unit == "" {
		c.Meter.Unit = def.Meter.Unit
	}
	if c.Meter.FlowThreshold == 0 {
		c.Meter.FlowThreshold = def.Meter.FlowThreshold
	}

	if c.Monitor.Listen == "" {
		c.Monitor.Listen = def.Monitor.Listen
	}
	if c.Monitor.MetricsPath == "" {
		c.Monitor.MetricsPath = def.Monitor.MetricsPath
	}
	if c.Monitor.WebSocketPath == "" {
		c.Monitor.WebSocketPath = def.Monitor.WebSocketPath
	}
	if c.Monitor.HistoryPath == "" {
		c.Monitor.HistoryPath = def.Monitor.HistoryPath
	}
	if c.Monitor.HistoryPoints == 0 {
		c.Monitor.HistoryPoints = def.Monitor.HistoryPoints
	}

	if len(c.Simulator.Sensors) == 0 {
		c.Simulator.Sensors = def.Simulator.Sensors
	}
	if c.Simulator.ConversionTime == 0 {
		c.Simulator.ConversionTime = def.Simulator.ConversionTime
	}
	if c.Simulator.PourDuration == 0 {
		c.Simulator.PourDuration = def.Simulator.PourDuration
	}

	if c.NVM.Path == "" {
		c.NVM.Path = def.NVM.Path
	}
	if c.NVM.Layout == (store.Layout{}) {
		c.NVM.Layout = def.NVM.Layout
	}
}
