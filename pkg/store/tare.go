package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/itohio/goscale/pkg/nvm"
)

// TareVersion is the current tare schema.
const TareVersion = 1

const (
	// TareSlots is the number of stored tares: user slots followed by the automatic zero.
	TareSlots = 5
	// AutoTareSlot holds the automatic zero.
	AutoTareSlot = TareSlots - 1
)

// ErrInvalidTare is returned by Tare.Validate.
var ErrInvalidTare = errors.New("invalid tare")

// TareSlot is one stored baseline.
type TareSlot struct {
	Value     float32 // grams
	Unit      Unit    // unit the tare was taken in, for display
	Enabled   bool
	Timestamp uint32 // seconds since boot or unix time, whichever the clock provides
}

// Tare holds every tare slot.
type Tare struct {
	Slots [TareSlots]TareSlot
}

// DefaultTare has every slot cleared.
func DefaultTare() Tare {
	return Tare{}
}

// Active returns the sum of enabled slots.
func (t Tare) Active() float32 {
	var sum float32
	for _, s := range t.Slots {
		if s.Enabled {
			sum += s.Value
		}
	}
	return sum
}

// Validate rejects unknown units and non-finite values.
func (t Tare) Validate() error {
	for i, s := range t.Slots {
		if !s.Unit.Valid() {
			return fmt.Errorf("%w: slot %d unit %d", ErrInvalidTare, i, s.Unit)
		}
		if !finite(s.Value) {
			return fmt.Errorf("%w: slot %d value", ErrInvalidTare, i)
		}
	}
	return nil
}

// NewTare creates the tare record at offset.
func NewTare(s nvm.Storage, offset int64, log *zap.Logger) *nvm.Record[Tare] {
	return nvm.NewRecord(s, offset, nvm.Schema[Tare]{
		Version: TareVersion,
		Default: DefaultTare,
	}, log)
}
