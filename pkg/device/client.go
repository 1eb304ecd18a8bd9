package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itohio/goscale/pkg/config"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/store"
)

var (
	// ErrTimeout is returned when no matching response arrived after every retry.
	ErrTimeout = errors.New("command timed out")
	// ErrUnexpectedResponse is returned for a response of the wrong type.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// Client sends commands to a scale and waits for the matching response. Calls are
// serialised; every command gets a fresh correlation id and responses carrying another id
// are discarded as stale.
type Client struct {
	mu      sync.Mutex
	stream  *packet.Stream
	proto   *packet.Protocol
	limiter *rate.Limiter
	timeout time.Duration
	retries int
	id      uint8
	log     *zap.Logger

	// stats is refreshed by Call so Stats never waits for a call in flight.
	statsMu sync.Mutex
	stats   packet.Stats
}

// NewClient starts reading rw. The client stops receiving when rw returns an error.
func NewClient(rw io.ReadWriter, cfg config.ClientConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	def := config.Default().Client
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	stream := packet.NewStream(rw, packet.DefaultStreamSize)
	return &Client{
		stream:  stream,
		proto:   packet.New(stream, log.Named("packet")),
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		log:     log,
	}
}

// Done is closed when the underlying reader stops.
func (c *Client) Done() <-chan struct{} {
	return c.stream.Done()
}

// Stats returns the receive counters of the link as of the last received data.
func (c *Client) Stats() packet.Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Client) updateStats() {
	s := c.proto.Stats()
	c.statsMu.Lock()
	c.stats = s
	c.statsMu.Unlock()
}

// Call sends command typ with request req (a fixed-size message, raw bytes or nil) and
// returns the response payload. An error response is returned as packet.ErrorCode.
func (c *Client) Call(ctx context.Context, typ packet.Type, req any) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.With(zap.Stringer("type", typ))
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		c.id++
		if err := c.proto.Send(typ, c.id, req); err != nil {
			return nil, err
		}

		payload, err := c.await(ctx, typ, c.id)
		if !errors.Is(err, ErrTimeout) {
			return payload, err
		}
		log.Debug("command timed out", zap.Uint8("id", c.id), zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("%s: %w", typ, ErrTimeout)
}

func (c *Client) await(ctx context.Context, typ packet.Type, id uint8) ([]byte, error) {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	defer c.updateStats()
	for {
		for {
			p, ok := c.proto.RecvPacket()
			if !ok {
				c.updateStats()
				break
			}
			if p.ID != id {
				c.log.Debug("dropping stale response", zap.Stringer("type", p.Type), zap.Uint8("id", p.ID))
				continue
			}
			switch p.Type {
			case typ.Response():
				return bytes.Clone(p.Payload), nil
			case packet.RespError:
				var resp packet.ErrorResponse
				if err := packet.Unmarshal(p.Payload, &resp); err != nil {
					return nil, err
				}
				return nil, resp.Code
			default:
				return nil, fmt.Errorf("%w: %s for %s", ErrUnexpectedResponse, p.Type, typ)
			}
		}

		if err := c.stream.Wait(wctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, err
		}
	}
}

func (c *Client) get(ctx context.Context, typ packet.Type, v any) error {
	payload, err := c.Call(ctx, typ, nil)
	if err != nil {
		return err
	}
	return packet.Unmarshal(payload, v)
}

func (c *Client) exec(ctx context.Context, typ packet.Type, req any) error {
	_, err := c.Call(ctx, typ, req)
	return err
}

// Loopback echoes data through the device.
func (c *Client) Loopback(ctx context.Context, data []byte) ([]byte, error) {
	return c.Call(ctx, packet.CmdLoopback, data)
}

// Calibration reads the calibration record.
func (c *Client) Calibration(ctx context.Context) (store.Calibration, error) {
	var cal store.Calibration
	err := c.get(ctx, packet.CmdGetCalibration, &cal)
	return cal, err
}

// SetCalibration replaces the calibration record.
func (c *Client) SetCalibration(ctx context.Context, cal store.Calibration) error {
	return c.exec(ctx, packet.CmdSetCalibration, packet.SetCalibrationRequest{Calibration: cal})
}

// ResetCalibration restores the default calibration.
func (c *Client) ResetCalibration(ctx context.Context) error {
	return c.exec(ctx, packet.CmdSetCalibration, packet.SetCalibrationRequest{Init: true})
}

// Identity reads the identity record.
func (c *Client) Identity(ctx context.Context) (store.Identity, error) {
	var id store.Identity
	err := c.get(ctx, packet.CmdGetIdentity, &id)
	return id, err
}

// SetIdentity replaces the identity record. The device stamps its own firmware version.
func (c *Client) SetIdentity(ctx context.Context, id store.Identity) error {
	return c.exec(ctx, packet.CmdSetIdentity, packet.SetIdentityRequest{Identity: id})
}

// ResetIdentity restores the default identity.
func (c *Client) ResetIdentity(ctx context.Context) error {
	return c.exec(ctx, packet.CmdSetIdentity, packet.SetIdentityRequest{Init: true})
}

// Tare reads the tare record.
func (c *Client) Tare(ctx context.Context) (store.Tare, error) {
	var t store.Tare
	err := c.get(ctx, packet.CmdGetTare, &t)
	return t, err
}

// SetTare replaces the tare record.
func (c *Client) SetTare(ctx context.Context, t store.Tare) error {
	return c.exec(ctx, packet.CmdSetTare, packet.SetTareRequest{Tare: t})
}

// ClearTare disables every tare slot.
func (c *Client) ClearTare(ctx context.Context) error {
	return c.exec(ctx, packet.CmdSetTare, packet.SetTareRequest{Init: true})
}

// PowerOn wakes the amplifiers.
func (c *Client) PowerOn(ctx context.Context) error {
	return c.exec(ctx, packet.CmdPowerOn, nil)
}

// PowerOff puts the amplifiers to sleep.
func (c *Client) PowerOff(ctx context.Context) error {
	return c.exec(ctx, packet.CmdPowerOff, nil)
}

// Read requests times acquisitions averaged into one reading.
func (c *Client) Read(ctx context.Context, times int, raw bool) (Reading, error) {
	payload, err := c.Call(ctx, packet.CmdRead, packet.ReadRequest{Times: uint8(min(max(times, 0), 255)), Raw: raw})
	if err != nil {
		return Reading{}, err
	}
	r, err := ParseReading(payload, time.Now())
	r.Raw = raw
	return r, err
}
