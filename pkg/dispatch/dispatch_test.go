package dispatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goscale/pkg/hx711"
	"github.com/itohio/goscale/pkg/measure"
	"github.com/itohio/goscale/pkg/nvm"
	"github.com/itohio/goscale/pkg/packet"
	"github.com/itohio/goscale/pkg/store"
)

type link struct {
	in, out *bytes.Buffer
}

func (l link) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l link) Buffered() int               { return l.in.Len() }
func (l link) ReadByte() (byte, error)     { return l.in.ReadByte() }

type fakePipeline struct {
	tm     measure.Telemetry
	err    error
	times  int
	raw    bool
	resets int
}

func (f *fakePipeline) Read(times int, raw bool) (measure.Telemetry, error) {
	f.times, f.raw = times, raw
	return f.tm, f.err
}

func (f *fakePipeline) Reset() { f.resets++ }

type fakePower struct {
	on    bool
	ups   int
	downs int
}

func (f *fakePower) PowerUp()      { f.on = true; f.ups++ }
func (f *fakePower) PowerDown()    { f.on = false; f.downs++ }
func (f *fakePower) Powered() bool { return f.on }

type harness struct {
	host     *packet.Protocol
	disp     *Dispatcher
	stores   *store.Stores
	pipeline *fakePipeline
	power    *fakePower
}

func openStores(t *testing.T) *store.Stores {
	t.Helper()
	f, err := nvm.OpenFile(filepath.Join(t.TempDir(), "nvm.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	st, err := store.Open(f, store.DefaultLayout, nil)
	require.NoError(t, err)
	return st
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	toDevice, toHost := &bytes.Buffer{}, &bytes.Buffer{}
	h := &harness{
		host:     packet.New(link{in: toHost, out: toDevice}, nil),
		stores:   openStores(t),
		pipeline: &fakePipeline{},
		power:    &fakePower{on: true},
	}
	device := packet.New(link{in: toDevice, out: toHost}, nil)
	h.disp = New(device, h.stores, h.pipeline, h.power, nil)
	return h
}

// call sends one command and returns every packet the device answered with.
func (h *harness) call(t *testing.T, typ packet.Type, id uint8, payload []byte) []packet.Packet {
	t.Helper()
	require.NoError(t, h.host.SendPacket(packet.Header{Type: typ, ID: id, Version: packet.SchemaVersion}, payload))
	require.NoError(t, h.disp.Poll())

	var out []packet.Packet
	for {
		p, ok := h.host.RecvPacket()
		if !ok {
			return out
		}
		out = append(out, packet.Packet{Header: p.Header, Payload: bytes.Clone(p.Payload)})
	}
}

func errorCode(t *testing.T, p packet.Packet) packet.ErrorCode {
	t.Helper()
	require.Equal(t, packet.RespError, p.Type)
	var resp packet.ErrorResponse
	require.NoError(t, packet.Unmarshal(p.Payload, &resp))
	return resp.Code
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := packet.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestLoopback(t *testing.T) {
	h := newHarness(t)
	resp := h.call(t, packet.CmdLoopback, 7, []byte("ping"))
	require.Len(t, resp, 1)
	assert.Equal(t, packet.CmdLoopback.Response(), resp[0].Type)
	assert.Equal(t, uint8(7), resp[0].ID)
	assert.Equal(t, uint8(packet.SchemaVersion), resp[0].Version)
	assert.Equal(t, []byte("ping"), resp[0].Payload)
}

func TestUnrecognizedCommand(t *testing.T) {
	h := newHarness(t)
	for _, typ := range []packet.Type{0x0000, 0x00FF, packet.CmdRead.Response()} {
		resp := h.call(t, typ, 3, nil)
		require.Len(t, resp, 1)
		assert.Equal(t, uint8(3), resp[0].ID)
		assert.Equal(t, packet.ErrUnrecognizedCommand, errorCode(t, resp[0]))
	}
	assert.Equal(t, Stats{Commands: 3, Errors: 3}, h.disp.Stats())
}

func TestSetCalibrationUnderflow(t *testing.T) {
	h := newHarness(t)
	before := h.stores.Calibration.Get()

	cal := store.DefaultCalibration()
	cal.Sensors[0].MassSlope = 3
	payload := marshal(t, packet.SetCalibrationRequest{Calibration: cal})

	resp := h.call(t, packet.CmdSetCalibration, 9, payload[:len(payload)-1])
	require.Len(t, resp, 1)
	assert.Equal(t, packet.ErrBufferUnderflow, errorCode(t, resp[0]))
	assert.Equal(t, before, h.stores.Calibration.Get())
}

func TestSetAndGetCalibration(t *testing.T) {
	h := newHarness(t)
	cal := store.DefaultCalibration()
	cal.MassSensorCount = 2
	cal.Sensors[1].MassOffset = -12.5

	resp := h.call(t, packet.CmdSetCalibration, 1, marshal(t, packet.SetCalibrationRequest{Calibration: cal}))
	require.Len(t, resp, 1)
	assert.Equal(t, packet.CmdSetCalibration.Response(), resp[0].Type)
	assert.Empty(t, resp[0].Payload)
	assert.Equal(t, cal, h.stores.Calibration.Get())

	resp = h.call(t, packet.CmdGetCalibration, 2, nil)
	require.Len(t, resp, 1)
	var got store.Calibration
	require.NoError(t, packet.Unmarshal(resp[0].Payload, &got))
	assert.Equal(t, cal, got)

	resp = h.call(t, packet.CmdSetCalibration, 3, marshal(t, packet.SetCalibrationRequest{Init: true}))
	require.Len(t, resp, 1)
	assert.Equal(t, store.DefaultCalibration(), h.stores.Calibration.Get())
}

func TestSetInvalidParameter(t *testing.T) {
	h := newHarness(t)

	cal := store.DefaultCalibration()
	cal.MassSensorCount = store.MaxMassSensors + 1
	id := store.DefaultIdentity()
	id.TelemetryInterval = 0
	tare := store.DefaultTare()
	tare.Slots[0].Unit = 99

	tests := []struct {
		name string
		typ  packet.Type
		req  any
	}{
		{"calibration", packet.CmdSetCalibration, packet.SetCalibrationRequest{Calibration: cal}},
		{"identity", packet.CmdSetIdentity, packet.SetIdentityRequest{Identity: id}},
		{"tare", packet.CmdSetTare, packet.SetTareRequest{Tare: tare}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.stores.Calibration.Get()
			resp := h.call(t, tt.typ, 4, marshal(t, tt.req))
			require.Len(t, resp, 1)
			assert.Equal(t, packet.ErrInvalidParameter, errorCode(t, resp[0]))
			assert.Equal(t, before, h.stores.Calibration.Get())
		})
	}
}

func TestSetIdentityStampsFirmware(t *testing.T) {
	h := newHarness(t)
	id := store.DefaultIdentity()
	id.SerialNumber = 1234
	id.SetFirmwareVersion("forged")

	resp := h.call(t, packet.CmdSetIdentity, 1, marshal(t, packet.SetIdentityRequest{Identity: id}))
	require.Len(t, resp, 1)
	assert.Equal(t, packet.CmdSetIdentity.Response(), resp[0].Type)

	resp = h.call(t, packet.CmdGetIdentity, 2, nil)
	require.Len(t, resp, 1)
	var got store.Identity
	require.NoError(t, packet.Unmarshal(resp[0].Payload, &got))
	assert.Equal(t, uint32(1234), got.SerialNumber)
	assert.Equal(t, store.FirmwareVersion, got.Firmware())
}

func TestSetAndGetTare(t *testing.T) {
	h := newHarness(t)
	tare := store.DefaultTare()
	tare.Slots[2] = store.TareSlot{Value: 250, Unit: store.UnitGrams, Enabled: true, Timestamp: 42}

	resp := h.call(t, packet.CmdSetTare, 1, marshal(t, packet.SetTareRequest{Tare: tare}))
	require.Len(t, resp, 1)

	resp = h.call(t, packet.CmdGetTare, 2, nil)
	require.Len(t, resp, 1)
	var got store.Tare
	require.NoError(t, packet.Unmarshal(resp[0].Payload, &got))
	assert.Equal(t, tare, got)

	h.call(t, packet.CmdSetTare, 3, marshal(t, packet.SetTareRequest{Init: true}))
	assert.Zero(t, h.stores.Tare.Get().Active())
}

func TestStorageFailure(t *testing.T) {
	h := newHarness(t)
	mem := nvm.NewMemory(3 * 4096)
	st, err := store.Open(mem, store.DefaultLayout, nil)
	require.NoError(t, err)
	h.stores = st
	h.disp.stores = st
	before := st.Calibration.Get()
	mem.SetWriteError(errors.New("flash worn out"))

	cal := store.DefaultCalibration()
	cal.MassSensorCount = 2
	resp := h.call(t, packet.CmdSetCalibration, 1, marshal(t, packet.SetCalibrationRequest{Calibration: cal}))
	require.Len(t, resp, 1)
	assert.Equal(t, packet.ErrInternal, errorCode(t, resp[0]))
	assert.Equal(t, before, st.Calibration.Get())

	mem.SetWriteError(nil)
	resp = h.call(t, packet.CmdSetCalibration, 2, marshal(t, packet.SetCalibrationRequest{Calibration: cal}))
	require.Len(t, resp, 1)
	assert.Equal(t, packet.CmdSetCalibration.Response(), resp[0].Type)
}

func TestPower(t *testing.T) {
	h := newHarness(t)

	resp := h.call(t, packet.CmdPowerOff, 1, nil)
	require.Len(t, resp, 1)
	assert.Equal(t, packet.CmdPowerOff.Response(), resp[0].Type)
	assert.False(t, h.power.on)

	h.call(t, packet.CmdPowerOn, 2, nil)
	assert.True(t, h.power.on)
	assert.Equal(t, 1, h.pipeline.resets)

	// Already powered: no reset.
	h.call(t, packet.CmdPowerOn, 3, nil)
	assert.Equal(t, 1, h.power.ups)
	assert.Equal(t, 1, h.pipeline.resets)
}

func TestReadTimes(t *testing.T) {
	tests := []struct {
		name  string
		times uint8
		want  int
		code  packet.ErrorCode
	}{
		{"zero is one", 0, 1, 0},
		{"one", 1, 1, 0},
		{"max", MaxReadTimes, MaxReadTimes, 0},
		{"too many", MaxReadTimes + 1, 0, packet.ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.pipeline.tm.MassSensors = 1
			resp := h.call(t, packet.CmdRead, 5, marshal(t, packet.ReadRequest{Times: tt.times, Raw: true}))
			require.Len(t, resp, 1)
			if tt.code != 0 {
				assert.Equal(t, tt.code, errorCode(t, resp[0]))
				return
			}
			assert.Equal(t, packet.CmdRead.Response(), resp[0].Type)
			assert.Equal(t, tt.want, h.pipeline.times)
			assert.True(t, h.pipeline.raw)
		})
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code packet.ErrorCode
	}{
		{"not ready", hx711.ErrNotReady, packet.ErrSensorNotReady},
		{"powered down", hx711.ErrPoweredDown, packet.ErrSensorNotReady},
		{"all rejected", measure.ErrNoValidSamples, packet.ErrOutOfThreshold},
		{"other", errors.New("boom"), packet.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.pipeline.err = tt.err
			resp := h.call(t, packet.CmdRead, 6, marshal(t, packet.ReadRequest{Times: 1}))
			require.Len(t, resp, 1)
			assert.Equal(t, tt.code, errorCode(t, resp[0]))
		})
	}
}

func TestReadDataPointOrder(t *testing.T) {
	h := newHarness(t)
	tare := store.DefaultTare()
	tare.Slots[0] = store.TareSlot{Value: 10, Enabled: true}
	tare.Slots[1] = store.TareSlot{Value: 99, Enabled: false}
	require.NoError(t, h.stores.Tare.Put(tare))

	tm := measure.Telemetry{
		Mass:               90,
		Temperature:        21.5,
		Rate:               -0.5,
		MassSensors:        2,
		TemperatureSensors: 1,
		Flags:              measure.MassFlag(1) | measure.TemperatureFlag(0),
	}
	tm.SensorMass[0], tm.SensorMass[1] = 40, 60
	tm.SensorTemperature[0] = 21.5
	tm.Errors[1] = 3
	tm.Errors[store.MaxMassSensors] = 4
	h.pipeline.tm = tm

	resp := h.call(t, packet.CmdRead, 8, marshal(t, packet.ReadRequest{Times: 2}))
	require.Len(t, resp, 1)
	require.Equal(t, packet.CmdRead.Response(), resp[0].Type)

	records, err := packet.ParseDataPoint(resp[0].Payload)
	require.NoError(t, err)

	var endpoints []packet.Endpoint
	for _, r := range records {
		endpoints = append(endpoints, r.Endpoint)
	}
	assert.Equal(t, []packet.Endpoint{
		packet.EndpointTare,
		packet.EndpointMass,
		packet.EndpointTemperature,
		packet.EndpointMassRate,
		packet.EndpointSensorMass,
		packet.EndpointSensorTemperature,
		packet.EndpointErrorCount,
		packet.EndpointFlags,
	}, endpoints)

	assert.Equal(t, []float32{10, 0, 0, 0, 0}, records[0].Float32s())
	assert.Equal(t, []float32{90}, records[1].Float32s())
	assert.Equal(t, []float32{21.5}, records[2].Float32s())
	assert.Equal(t, []float32{-0.5}, records[3].Float32s())
	assert.Equal(t, []float32{40, 60}, records[4].Float32s())
	assert.Equal(t, []float32{21.5}, records[5].Float32s())
	assert.Equal(t, []byte{0, 3, 4}, records[6].Value)
	flags := binary.LittleEndian.Uint16(records[7].Value)
	assert.Equal(t, uint16(tm.Flags), flags)
}

func TestPollHandlesEveryPacket(t *testing.T) {
	h := newHarness(t)
	for id := range uint8(3) {
		require.NoError(t, h.host.SendPacket(packet.Header{Type: packet.CmdLoopback, ID: id}, nil))
	}
	require.NoError(t, h.disp.Poll())

	var ids []uint8
	for {
		p, ok := h.host.RecvPacket()
		if !ok {
			break
		}
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []uint8{0, 1, 2}, ids)
}

func TestReadWithSimulatedAmplifiers(t *testing.T) {
	h := newHarness(t)
	clock := &hx711.SimClock{}
	sim := hx711.NewSim(clock.Now, hx711.Constant(1200))
	bank, err := hx711.New(sim, sim.Masks(), clock.Config(hx711.DefaultConfig()), nil)
	require.NoError(t, err)
	pipeline := measure.New(bank, nil, h.stores, measure.DefaultConfig(), nil)
	h.disp.pipeline = pipeline
	h.disp.power = bank

	resp := h.call(t, packet.CmdRead, 1, marshal(t, packet.ReadRequest{Times: 3}))
	require.Len(t, resp, 1)
	records, err := packet.ParseDataPoint(resp[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []float32{1200}, records[1].Float32s())

	h.call(t, packet.CmdPowerOff, 2, nil)
	resp = h.call(t, packet.CmdRead, 3, marshal(t, packet.ReadRequest{Times: 1}))
	require.Len(t, resp, 1)
	assert.Equal(t, packet.ErrSensorNotReady, errorCode(t, resp[0]))
}
