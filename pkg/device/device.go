// Package device talks to a scale over a serial link: a request/response Client and
// Devices that poll telemetry into a Readings channel.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/config"
)

const (
	// DefaultBaudRate is the firmware UART rate.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default size of the readings channel.
	DefaultBufferSize = 100
)

var (
	// ErrConnected is returned by Connect on a connected device.
	ErrConnected = errors.New("already connected")
	// ErrNotConnected is returned when using a device before Connect.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("device closed")
)

// Device is a scale (real or mocked) streaming telemetry.
type Device interface {
	Connect() error
	Close() error
	Readings() <-chan Reading
	Client() *Client
	IsConnected() bool
}

var (
	_ Device = (*Serial)(nil)
	_ Device = (*Mock)(nil)
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns the available serial ports, describing USB ports by product or VID:PID.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", err)
		}
		result := make([]Port, 0, len(names))
		for _, name := range names {
			result = append(result, Port{Name: name, Description: name})
		}
		return result, nil
	}

	result := make([]Port, 0, len(details))
	for _, d := range details {
		desc := d.Name
		switch {
		case d.Product != "":
			desc = d.Product
		case d.IsUSB:
			desc = fmt.Sprintf("USB %s:%s", d.VID, d.PID)
		}
		if d.SerialNumber != "" {
			desc += " (" + d.SerialNumber + ")"
		}
		result = append(result, Port{Name: d.Name, Description: desc})
	}
	return result, nil
}

// poller owns a client and the goroutine reading telemetry from it.
type poller struct {
	cfg      config.ClientConfig
	log      *zap.Logger
	readings chan Reading

	mu        sync.RWMutex
	client    *Client
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected bool
	closed    bool
}

func newPoller(cfg config.ClientConfig, log *zap.Logger) poller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return poller{
		cfg:      cfg,
		log:      log,
		readings: make(chan Reading, cfg.BufferSize),
	}
}

// start begins polling rw. It must be called with mu held.
func (p *poller) start(rw io.ReadWriter) {
	ctx, cancel := context.WithCancel(context.Background())
	p.client = NewClient(rw, p.cfg, p.log)
	p.cancel = cancel
	p.connected = true

	if p.cfg.PollInterval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.poll(ctx, p.client)
	}()
}

// stop ends polling and closes the readings channel. It must be called with mu held,
// after the link is closed so a pending call returns.
func (p *poller) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.connected = false
	if !p.closed {
		p.closed = true
		close(p.readings)
	}
}

func (p *poller) poll(ctx context.Context, c *Client) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			p.log.Warn("link closed")
			return
		case <-ticker.C:
		}

		r, err := c.Read(ctx, p.cfg.ReadTimes, false)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Debug("read failed", zap.Error(err))
			continue
		}

		select {
		case p.readings <- r:
		case <-ctx.Done():
			return
		default:
			p.log.Warn("readings channel full, dropping reading")
		}
	}
}

// Readings returns the telemetry channel. It is closed by Close.
func (p *poller) Readings() <-chan Reading {
	return p.readings
}

// Client returns the command client, or nil before Connect.
func (p *poller) Client() *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// IsConnected returns whether the device is currently connected.
func (p *poller) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *poller) checkConnect() error {
	switch {
	case p.closed:
		return ErrClosed
	case p.connected:
		return ErrConnected
	}
	return nil
}

// Serial is a scale on a serial port.
type Serial struct {
	poller
	port     string
	baudRate int
	conn     serial.Port
}

// New creates a serial device. Nothing is opened until Connect.
func New(port config.SerialConfig, client config.ClientConfig, log *zap.Logger) *Serial {
	if port.BaudRate == 0 {
		port.BaudRate = DefaultBaudRate
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Serial{
		poller:   newPoller(client, log.With(zap.String("port", port.Port))),
		port:     port.Port,
		baudRate: port.BaudRate,
	}
}

// Connect opens the port and starts polling telemetry.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkConnect(); err != nil {
		return err
	}

	conn, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	d.conn = conn
	d.start(conn)
	d.log.Info("connected", zap.Int("baud_rate", d.baudRate))
	return nil
}

// Close closes the port and the readings channel.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	var err error
	if d.conn != nil {
		if err = d.conn.Close(); err != nil {
			d.log.Error("error closing serial port", zap.Error(err))
		}
		d.conn = nil
	}
	d.stop()
	return err
}
