package nvm

import (
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goscale/pkg/crc16"
)

type widget struct {
	A uint16
	B uint8
	C float32
}

const widgetVersion = 3

func widgetSchema() Schema[widget] {
	return Schema[widget]{
		Version: widgetVersion,
		Default: func() widget { return widget{A: 1, B: 2, C: 3.5} },
		Migrate: func(prev uint16, v *widget) {
			if prev < 2 {
				v.B = 20
			}
			if prev < 3 {
				v.C = 30
			}
		},
	}
}

func storedEnvelope(t *testing.T, m *Memory, off int64) (Envelope, []byte) {
	t.Helper()
	env := parseEnvelope(m.data[off:])
	return env, m.data[off+EnvelopeSize : off+EnvelopeSize+int64(env.Length)]
}

func TestRecord_BeginEmpty(t *testing.T) {
	m := NewMemory(64)
	r := NewRecord(m, 0, widgetSchema(), nil)

	require.NoError(t, r.Begin())
	assert.Equal(t, widget{A: 1, B: 2, C: 3.5}, r.Get())
	assert.Equal(t, StateMigrated, r.State())
	assert.False(t, r.Recovered())

	env, payload := storedEnvelope(t, m, 0)
	assert.Equal(t, uint16(widgetVersion), env.Version)
	assert.Equal(t, uint16(7), env.Length)
	assert.Equal(t, crc16.Checksum(payload), env.Checksum)
	assert.Equal(t, env, r.Envelope())
}

func TestRecord_PutPersists(t *testing.T) {
	m := NewMemory(64)
	r := NewRecord(m, 16, widgetSchema(), nil)
	require.NoError(t, r.Begin())

	require.NoError(t, r.Put(widget{A: 7, B: 8, C: 9}))

	env, payload := storedEnvelope(t, m, 16)
	assert.Equal(t, crc16.Checksum(payload), env.Checksum)

	reloaded := NewRecord(m, 16, widgetSchema(), nil)
	require.NoError(t, reloaded.Begin())
	assert.Equal(t, widget{A: 7, B: 8, C: 9}, reloaded.Get())
}

func TestRecord_EditCommit(t *testing.T) {
	m := NewMemory(64)
	r := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, r.Begin())

	r.Edit().A = 42
	require.NoError(t, r.Commit())

	env, payload := storedEnvelope(t, m, 0)
	assert.Equal(t, crc16.Checksum(payload), env.Checksum)
	assert.Equal(t, uint16(42), binary.LittleEndian.Uint16(payload))
}

func TestRecord_ChecksumMismatchRecovers(t *testing.T) {
	m := NewMemory(64)
	r := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, r.Begin())
	require.NoError(t, r.Put(widget{A: 100, B: 1, C: 1}))

	m.data[EnvelopeSize] ^= 0x01

	reloaded := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, reloaded.Begin())
	assert.True(t, reloaded.Recovered())
	assert.Zero(t, reloaded.StoredVersion())
	assert.Equal(t, widget{A: 1, B: 2, C: 3.5}, reloaded.Get())

	env, payload := storedEnvelope(t, m, 0)
	assert.Equal(t, crc16.Checksum(payload), env.Checksum)
}

func TestRecord_MigratesShortPayload(t *testing.T) {
	m := NewMemory(64)

	// Version 1 only knew about A.
	payload := binary.LittleEndian.AppendUint16(nil, 77)
	env := Envelope{Version: 1, Checksum: crc16.Checksum(payload), Length: uint16(len(payload))}
	copy(m.data, append(env.append(nil), payload...))

	r := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, r.Begin())
	assert.Equal(t, widget{A: 77, B: 20, C: 30}, r.Get())
	assert.Equal(t, uint16(1), r.StoredVersion())

	stored, body := storedEnvelope(t, m, 0)
	assert.Equal(t, uint16(widgetVersion), stored.Version)
	assert.Equal(t, uint16(7), stored.Length)
	assert.Equal(t, crc16.Checksum(body), stored.Checksum)
}

func TestRecord_OversizedLengthRecovers(t *testing.T) {
	m := NewMemory(64)
	env := Envelope{Version: widgetVersion, Checksum: 0, Length: 40}
	copy(m.data, env.append(nil))

	r := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, r.Begin())
	assert.True(t, r.Recovered())
	assert.Equal(t, widget{A: 1, B: 2, C: 3.5}, r.Get())
}

func TestRecord_InitState(t *testing.T) {
	m := NewMemory(64)
	r := NewRecord(m, 0, widgetSchema(), nil)
	assert.Equal(t, StateUninitialized, r.State())

	require.NoError(t, r.Init())
	assert.Equal(t, StateDefault, r.State())
	require.NoError(t, r.Migrate())
	assert.Equal(t, StateMigrated, r.State())
}

func TestRecord_WriteError(t *testing.T) {
	m := NewMemory(64)
	worn := errors.New("flash worn out")
	m.SetWriteError(worn)
	r := NewRecord(m, 0, widgetSchema(), nil)

	err := r.Begin()
	assert.ErrorIs(t, err, worn)
	assert.Zero(t, m.Writes())
}

func TestRecord_FailedPutKeepsValue(t *testing.T) {
	m := NewMemory(64)
	r := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, r.Begin())
	require.NoError(t, r.Put(widget{A: 5, B: 6, C: 7}))

	m.SetWriteError(errors.New("flash worn out"))
	require.Error(t, r.Put(widget{A: 50, B: 60, C: 70}))
	assert.Equal(t, widget{A: 5, B: 6, C: 7}, r.Get())

	m.SetWriteError(nil)
	reloaded := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, reloaded.Begin())
	assert.Equal(t, r.Get(), reloaded.Get())
}

func TestRecord_FailedCommitDiscardsEdits(t *testing.T) {
	m := NewMemory(64)
	r := NewRecord(m, 0, widgetSchema(), nil)
	require.NoError(t, r.Begin())

	m.SetWriteError(errors.New("flash worn out"))
	r.Edit().A = 42
	require.Error(t, r.Commit())
	assert.Equal(t, widget{A: 1, B: 2, C: 3.5}, r.Get())

	m.SetWriteError(nil)
	r.Edit().B = 9
	require.NoError(t, r.Commit())
	assert.Equal(t, widget{A: 1, B: 9, C: 3.5}, r.Get())
}

func TestRecord_ShortStorage(t *testing.T) {
	m := &Memory{data: make([]byte, 0, 64)}
	r := NewRecord(&growing{m}, 0, widgetSchema(), nil)
	require.NoError(t, r.Begin())
	assert.Equal(t, StateMigrated, r.State())
}

func TestNewRecord_PanicsOnVariableSize(t *testing.T) {
	assert.Panics(t, func() {
		NewRecord(NewMemory(8), 0, Schema[[]byte]{Version: 1}, nil)
	})
}

func TestFile_Backend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm.bin")
	f, err := OpenFile(path)
	require.NoError(t, err)

	r := NewRecord(f, 4096, widgetSchema(), nil)
	require.NoError(t, r.Begin())
	require.NoError(t, r.Put(widget{A: 5, B: 6, C: 7}))
	require.NoError(t, f.Close())

	f, err = OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	reloaded := NewRecord(f, 4096, widgetSchema(), nil)
	require.NoError(t, reloaded.Begin())
	assert.Equal(t, widget{A: 5, B: 6, C: 7}, reloaded.Get())
	assert.False(t, reloaded.Recovered())
}

// growing is a file-like storage that starts empty and extends on write.
type growing struct{ m *Memory }

func (g *growing) ReadAt(p []byte, off int64) (int, error) { return g.m.ReadAt(p, off) }

func (g *growing) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(g.m.data) {
		g.m.data = append(g.m.data, make([]byte, end-len(g.m.data))...)
	}
	return g.m.WriteAt(p, off)
}

func TestMemory(t *testing.T) {
	m := NewMemory(4)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, m.Bytes())

	n, err := m.WriteAt([]byte{1, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xFF, 1, 2, 0xFF}, m.Bytes())

	_, err = m.WriteAt([]byte{1, 2, 3}, 2)
	assert.ErrorIs(t, err, io.ErrShortWrite)

	buf := make([]byte, 3)
	n, err = m.ReadAt(buf, 2)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)

	m.SetWriteError(errors.New("locked"))
	_, err = m.WriteAt([]byte{0}, 0)
	assert.Error(t, err)
	m.SetWriteError(nil)
	_, err = m.WriteAt([]byte{0}, 0)
	assert.NoError(t, err)
	assert.Equal(t, 3, m.Writes())
}
