package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/crc16"
	"github.com/itohio/goscale/pkg/datalink"
)

// Transport is the byte pipe under the protocol. machine.UART satisfies it on the device;
// Stream adapts host serial ports.
type Transport interface {
	io.Writer
	Buffered() int
	ReadByte() (byte, error)
}

// Flusher is implemented by transports that buffer writes.
type Flusher interface {
	Flush() error
}

// Packet is a validated received packet. Payload aliases the receive buffer and is only
// valid until the next RecvPacket call.
type Packet struct {
	Header
	Payload []byte
}

// Stats counts receive outcomes.
type Stats struct {
	Packets   int
	CRCErrors int
	Short     int
	Overflows int
}

// Protocol sends and receives packets over a Transport. It is owned by a single caller.
type Protocol struct {
	t     Transport
	dec   *datalink.Decoder
	rx    Packet
	plain []byte
	wire  []byte
	stats Stats
	log   *zap.Logger
}

// New creates a protocol endpoint on t.
func New(t Transport, log *zap.Logger) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{
		t:     t,
		dec:   datalink.NewDecoder(MaxPacketSize),
		plain: make([]byte, 0, MaxPacketSize),
		wire:  make([]byte, 0, 2*MaxPacketSize+1),
		log:   log,
	}
}

// RecvPacket consumes buffered transport bytes until a complete, checksum-valid packet is
// assembled. It returns false when no such packet is available yet; corrupt frames are
// dropped without a reply.
func (p *Protocol) RecvPacket() (*Packet, bool) {
	for p.t.Buffered() > 0 {
		b, err := p.t.ReadByte()
		if err != nil {
			return nil, false
		}
		frame, ok := p.dec.Feed(b)
		p.stats.Overflows = p.dec.Overflows
		if !ok {
			continue
		}

		if len(frame) < HeaderSize+crc16.Size {
			p.stats.Short++
			p.log.Debug("dropping short frame", zap.Int("len", len(frame)))
			continue
		}
		body := frame[:len(frame)-crc16.Size]
		want := binary.LittleEndian.Uint16(frame[len(body):])
		if got := crc16.Checksum(body); got != want {
			p.stats.CRCErrors++
			p.log.Debug("dropping frame with bad checksum",
				zap.Uint16("want", want), zap.Uint16("got", got), zap.Int("len", len(frame)))
			continue
		}

		h, _ := ParseHeader(body)
		p.rx.Header = h
		p.rx.Payload = body[HeaderSize:]
		p.stats.Packets++
		return &p.rx, true
	}
	return nil, false
}

// SendPacket frames header, payload and checksum, writes them and flushes the transport.
func (p *Protocol) SendPacket(h Header, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("send %s: %w", h.Type, ErrPayloadTooLarge)
	}

	p.plain = AppendHeader(p.plain[:0], h)
	p.plain = append(p.plain, payload...)
	p.plain = binary.LittleEndian.AppendUint16(p.plain, crc16.Checksum(p.plain))
	p.wire = datalink.Encode(p.wire[:0], p.plain)

	if _, err := p.t.Write(p.wire); err != nil {
		return fmt.Errorf("send %s: %w", h.Type, err)
	}
	if f, ok := p.t.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", h.Type, err)
		}
	}
	return nil
}

// Send marshals v (a fixed-size message, raw bytes or nil) and sends it.
func (p *Protocol) Send(t Type, id uint8, v any) error {
	h := Header{Type: t, ID: id, Version: SchemaVersion}
	switch v := v.(type) {
	case nil:
		return p.SendPacket(h, nil)
	case []byte:
		return p.SendPacket(h, v)
	case *DataPoint:
		return p.SendPacket(h, v.Bytes())
	}
	payload, err := Marshal(v)
	if err != nil {
		return err
	}
	return p.SendPacket(h, payload)
}

// SendError sends an error response for the packet with the given id.
func (p *Protocol) SendError(id uint8, code ErrorCode) error {
	return p.Send(RespError, id, ErrorResponse{Code: code})
}

// Stats returns the receive counters.
func (p *Protocol) Stats() Stats {
	return p.stats
}
