package nvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/crc16"
)

// State tracks where a record is in its load/migrate lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateDefault
	StateLoaded
	StateMigrated
)

func (s State) String() string {
	switch s {
	case StateDefault:
		return "default"
	case StateLoaded:
		return "loaded"
	case StateMigrated:
		return "migrated"
	default:
		return "uninitialized"
	}
}

// Schema describes how a record type evolves.
type Schema[T any] struct {
	// Version is the current schema version written on every commit.
	Version uint16
	// Default returns a freshly initialised value.
	Default func() T
	// Migrate upgrades v from the version it was stored with. It runs on every load and
	// put, so unconditional fix-ups belong here too. Optional.
	Migrate func(prev uint16, v *T)
}

// Record is the single cached copy of one persisted value. It is not safe for concurrent
// use; the firmware has one thread of control.
type Record[T any] struct {
	storage Storage
	offset  int64
	schema  Schema[T]
	size    int
	log     *zap.Logger

	value     T
	saved     T // last value known to match storage
	savedVer  uint16
	env       Envelope
	stored    uint16
	loaded    uint16
	state     State
	recovered bool
}

// NewRecord creates a record stored at offset. T must be a fixed-size type accepted by
// encoding/binary; anything else is a programming error and panics.
func NewRecord[T any](s Storage, offset int64, schema Schema[T], log *zap.Logger) *Record[T] {
	if log == nil {
		log = zap.NewNop()
	}
	var zero T
	size := binary.Size(zero)
	if size <= 0 || size >= erased {
		panic(fmt.Sprintf("nvm: %T is not a fixed-size record", zero))
	}
	return &Record[T]{
		storage: s,
		offset:  offset,
		schema:  schema,
		size:    size,
		log:     log.With(zap.Int64("offset", offset), zap.String("record", fmt.Sprintf("%T", zero))),
	}
}

// Begin loads the record, falling back to defaults when storage holds nothing valid, then
// migrates it to the current version.
func (r *Record[T]) Begin() error {
	ok, err := r.load()
	if err != nil {
		return err
	}
	if !ok {
		if err := r.Init(); err != nil {
			return err
		}
	}
	return r.Migrate()
}

func (r *Record[T]) load() (bool, error) {
	head := make([]byte, EnvelopeSize)
	if _, err := r.storage.ReadAt(head, r.offset); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.log.Info("record absent")
			return false, nil
		}
		return false, fmt.Errorf("read envelope: %w", err)
	}

	env := parseEnvelope(head)
	if !env.present() {
		r.log.Info("record absent", zap.Uint16("version", env.Version))
		return false, nil
	}
	if int(env.Length) > r.size {
		r.log.Warn("record length exceeds schema, reinitialising",
			zap.Uint16("length", env.Length), zap.Int("size", r.size))
		r.recovered = true
		return false, nil
	}

	payload := make([]byte, r.size)
	if _, err := r.storage.ReadAt(payload[:env.Length], r.offset+EnvelopeSize); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.log.Warn("record truncated, reinitialising")
			r.recovered = true
			return false, nil
		}
		return false, fmt.Errorf("read payload: %w", err)
	}
	if sum := crc16.Checksum(payload[:env.Length]); sum != env.Checksum {
		r.log.Warn("record checksum mismatch, reinitialising",
			zap.Uint16("want", env.Checksum), zap.Uint16("got", sum))
		r.recovered = true
		return false, nil
	}

	// Older versions wrote shorter payloads; the missing tail stays zero until migration.
	var v T
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &v); err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}

	r.value, r.env, r.stored, r.loaded = v, env, env.Version, env.Version
	r.saved, r.savedVer = v, env.Version
	r.state = StateLoaded
	r.log.Debug("record loaded", zap.Uint16("version", env.Version), zap.Uint16("length", env.Length))
	return true, nil
}

// Init replaces the cached value with defaults and writes it.
func (r *Record[T]) Init() error {
	r.value = r.schema.Default()
	r.stored = r.schema.Version
	if err := r.persist(); err != nil {
		return err
	}
	r.state = StateDefault
	r.log.Info("record initialised with defaults", zap.Uint16("version", r.schema.Version))
	return nil
}

// Migrate upgrades the cached value from its stored version and rewrites version,
// length and checksum.
func (r *Record[T]) Migrate() error {
	if r.schema.Migrate != nil {
		r.schema.Migrate(r.stored, &r.value)
	}
	if r.stored != r.schema.Version {
		r.log.Info("record migrated", zap.Uint16("from", r.stored), zap.Uint16("to", r.schema.Version))
	}
	r.stored = r.schema.Version
	if err := r.persist(); err != nil {
		return err
	}
	r.state = StateMigrated
	return nil
}

// Get returns a copy of the cached value.
func (r *Record[T]) Get() T {
	return r.value
}

// Put replaces the cached value and writes it through. When the write fails the cached
// value is left as it was.
func (r *Record[T]) Put(v T) error {
	r.value = v
	r.stored = r.schema.Version
	return r.Migrate()
}

// Edit returns the cached value for in-place changes. Changes are persisted by Commit.
func (r *Record[T]) Edit() *T {
	return &r.value
}

// Commit persists changes made through Edit. When the write fails the edits are
// discarded and the cached value reverts to what storage holds.
func (r *Record[T]) Commit() error {
	return r.Migrate()
}

// State returns the lifecycle state.
func (r *Record[T]) State() State {
	return r.state
}

// Envelope returns the envelope last read or written.
func (r *Record[T]) Envelope() Envelope {
	return r.env
}

// StoredVersion returns the version found in storage by Begin, or 0 when defaults were
// written instead.
func (r *Record[T]) StoredVersion() uint16 {
	return r.loaded
}

// Recovered reports whether Begin discarded a corrupt record.
func (r *Record[T]) Recovered() bool {
	return r.recovered
}

// Size returns the payload size of the current schema.
func (r *Record[T]) Size() int {
	return r.size
}

// persist writes the cached value and rolls it back to the last stored one on failure.
func (r *Record[T]) persist() error {
	if err := r.write(); err != nil {
		r.value, r.stored = r.saved, r.savedVer
		return err
	}
	r.saved, r.savedVer = r.value, r.stored
	return nil
}

func (r *Record[T]) write() error {
	var payload bytes.Buffer
	payload.Grow(r.size)
	if err := binary.Write(&payload, binary.LittleEndian, r.value); err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	env := Envelope{
		Version:  r.schema.Version,
		Checksum: crc16.Checksum(payload.Bytes()),
		Length:   uint16(payload.Len()),
	}
	buf := env.append(make([]byte, 0, EnvelopeSize+payload.Len()))
	buf = append(buf, payload.Bytes()...)

	if _, err := r.storage.WriteAt(buf, r.offset); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	r.env = env
	return nil
}
