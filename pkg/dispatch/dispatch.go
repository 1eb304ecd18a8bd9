// Package dispatch executes host commands received over the packet protocol.
package dispatch

import (
	"errors"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/hx711"
	"github.com/itohio/goscale/pkg/measure"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/store"
)

// MaxReadTimes bounds the acquisitions one read command may request.
const MaxReadTimes = 32

// Power switches the amplifiers. hx711.Bank implements it.
type Power interface {
	PowerUp()
	PowerDown()
	Powered() bool
}

// Pipeline produces telemetry. measure.Pipeline implements it.
type Pipeline interface {
	Read(times int, raw bool) (measure.Telemetry, error)
	Reset()
}

// Stats counts handled packets.
type Stats struct {
	Commands int
	Errors   int
}

type handler struct {
	size int
	fn   func(d *Dispatcher, payload []byte) (any, packet.ErrorCode)
}

var handlers = map[packet.Type]handler{
	packet.CmdLoopback:       {0, (*Dispatcher).loopback},
	packet.CmdGetCalibration: {0, (*Dispatcher).getCalibration},
	packet.CmdSetCalibration: {packet.Size(packet.SetCalibrationRequest{}), (*Dispatcher).setCalibration},
	packet.CmdGetIdentity:    {0, (*Dispatcher).getIdentity},
	packet.CmdSetIdentity:    {packet.Size(packet.SetIdentityRequest{}), (*Dispatcher).setIdentity},
	packet.CmdGetTare:        {0, (*Dispatcher).getTare},
	packet.CmdSetTare:        {packet.Size(packet.SetTareRequest{}), (*Dispatcher).setTare},
	packet.CmdPowerOn:        {0, (*Dispatcher).powerOn},
	packet.CmdPowerOff:       {0, (*Dispatcher).powerOff},
	packet.CmdRead:           {packet.Size(packet.ReadRequest{}), (*Dispatcher).read},
}

// Dispatcher answers every command with exactly one response or error response.
type Dispatcher struct {
	proto    *packet.Protocol
	stores   *store.Stores
	pipeline Pipeline
	power    Power
	log      *zap.Logger
	dp       packet.DataPoint
	stats    Stats
}

// New creates a dispatcher. power may be nil on units that cannot switch the amplifiers.
func New(proto *packet.Protocol, stores *store.Stores, pipeline Pipeline, power Power, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		proto:    proto,
		stores:   stores,
		pipeline: pipeline,
		power:    power,
		log:      log,
	}
}

// Poll handles every packet buffered on the transport. It returns the first send error.
func (d *Dispatcher) Poll() error {
	for {
		p, ok := d.proto.RecvPacket()
		if !ok {
			return nil
		}
		if err := d.handle(p); err != nil {
			return err
		}
	}
}

// Stats returns the handled packet counters.
func (d *Dispatcher) Stats() Stats {
	return d.stats
}

func (d *Dispatcher) handle(p *packet.Packet) error {
	d.stats.Commands++
	log := d.log.With(zap.Stringer("type", p.Type), zap.Uint8("id", p.ID))

	h, ok := handlers[p.Type]
	if !ok {
		log.Debug("unrecognized command")
		return d.fail(p.ID, packet.ErrUnrecognizedCommand)
	}
	if len(p.Payload) < h.size {
		log.Debug("payload too short", zap.Int("len", len(p.Payload)), zap.Int("want", h.size))
		return d.fail(p.ID, packet.ErrBufferUnderflow)
	}

	resp, code := h.fn(d, p.Payload)
	if code != 0 {
		log.Debug("command failed", zap.Error(code))
		return d.fail(p.ID, code)
	}
	return d.proto.Send(p.Type.Response(), p.ID, resp)
}

func (d *Dispatcher) fail(id uint8, code packet.ErrorCode) error {
	d.stats.Errors++
	return d.proto.SendError(id, code)
}

func (d *Dispatcher) loopback(payload []byte) (any, packet.ErrorCode) {
	return payload, 0
}

func (d *Dispatcher) getCalibration([]byte) (any, packet.ErrorCode) {
	return d.stores.Calibration.Get(), 0
}

func (d *Dispatcher) setCalibration(payload []byte) (any, packet.ErrorCode) {
	var req packet.SetCalibrationRequest
	if err := packet.Unmarshal(payload, &req); err != nil {
		return nil, packet.ErrBufferUnderflow
	}
	v := req.Calibration
	if req.Init {
		v = store.DefaultCalibration()
	} else if err := v.Validate(); err != nil {
		d.log.Debug("rejecting calibration", zap.Error(err))
		return nil, packet.ErrInvalidParameter
	}
	return nil, d.commit(d.stores.Calibration.Put(v))
}

func (d *Dispatcher) getIdentity([]byte) (any, packet.ErrorCode) {
	return d.stores.Identity.Get(), 0
}

func (d *Dispatcher) setIdentity(payload []byte) (any, packet.ErrorCode) {
	var req packet.SetIdentityRequest
	if err := packet.Unmarshal(payload, &req); err != nil {
		return nil, packet.ErrBufferUnderflow
	}
	v := req.Identity
	if req.Init {
		v = store.DefaultIdentity()
	} else if err := v.Validate(); err != nil {
		d.log.Debug("rejecting identity", zap.Error(err))
		return nil, packet.ErrInvalidParameter
	}
	return nil, d.commit(d.stores.Identity.Put(v))
}

func (d *Dispatcher) getTare([]byte) (any, packet.ErrorCode) {
	return d.stores.Tare.Get(), 0
}

func (d *Dispatcher) setTare(payload []byte) (any, packet.ErrorCode) {
	var req packet.SetTareRequest
	if err := packet.Unmarshal(payload, &req); err != nil {
		return nil, packet.ErrBufferUnderflow
	}
	v := req.Tare
	if req.Init {
		v = store.DefaultTare()
	} else if err := v.Validate(); err != nil {
		d.log.Debug("rejecting tare", zap.Error(err))
		return nil, packet.ErrInvalidParameter
	}
	return nil, d.commit(d.stores.Tare.Put(v))
}

func (d *Dispatcher) commit(err error) packet.ErrorCode {
	if err != nil {
		d.log.Error("storage write failed", zap.Error(err))
		return packet.ErrInternal
	}
	return 0
}

func (d *Dispatcher) powerOn([]byte) (any, packet.ErrorCode) {
	if d.power == nil {
		return nil, packet.ErrUnrecognizedCommand
	}
	if !d.power.Powered() {
		d.power.PowerUp()
		d.pipeline.Reset()
	}
	return nil, 0
}

func (d *Dispatcher) powerOff([]byte) (any, packet.ErrorCode) {
	if d.power == nil {
		return nil, packet.ErrUnrecognizedCommand
	}
	d.power.PowerDown()
	return nil, 0
}

func (d *Dispatcher) read(payload []byte) (any, packet.ErrorCode) {
	var req packet.ReadRequest
	if err := packet.Unmarshal(payload, &req); err != nil {
		return nil, packet.ErrBufferUnderflow
	}
	times := max(int(req.Times), 1)
	if times > MaxReadTimes {
		return nil, packet.ErrInvalidParameter
	}

	tm, err := d.pipeline.Read(times, req.Raw)
	switch {
	case errors.Is(err, hx711.ErrNotReady):
		return nil, packet.ErrSensorNotReady
	case errors.Is(err, measure.ErrNoValidSamples):
		return nil, packet.ErrOutOfThreshold
	case err != nil:
		d.log.Error("read failed", zap.Error(err))
		return nil, packet.ErrInternal
	}

	if !d.encode(&tm) {
		return nil, packet.ErrInternal
	}
	return &d.dp, 0
}

// encode fills the DataPoint: tare slots, mass, temperature, rate, per-sensor mass,
// per-sensor temperature, per-channel error counts and flags.
func (d *Dispatcher) encode(tm *measure.Telemetry) bool {
	d.dp.Reset()
	ok := true
	add := func(e packet.Endpoint, v float32) { ok = d.dp.AddFloat32(e, v) && ok }

	for _, s := range d.stores.Tare.Get().Slots {
		v := float32(0)
		if s.Enabled {
			v = s.Value
		}
		add(packet.EndpointTare, v)
	}
	add(packet.EndpointMass, tm.Mass)
	add(packet.EndpointTemperature, tm.Temperature)
	add(packet.EndpointMassRate, tm.Rate)
	for _, v := range tm.Masses() {
		add(packet.EndpointSensorMass, v)
	}
	for _, v := range tm.Temperatures() {
		add(packet.EndpointSensorTemperature, v)
	}
	for _, c := range tm.ErrorCounts() {
		ok = d.dp.AddUint8(packet.EndpointErrorCount, c) && ok
	}
	ok = d.dp.AddUint8(packet.EndpointFlags, uint8(tm.Flags)) && ok
	ok = d.dp.AddUint8(packet.EndpointFlags, uint8(tm.Flags>>8)) && ok
	return ok
}
