package store

// Unit is a display unit.
type Unit uint8

const (
	UnitGrams Unit = iota
	UnitKilograms
	UnitOunces
	UnitPounds
	unitCount
)

var unitInfo = [unitCount]struct {
	name    string
	perGram float32
}{
	UnitGrams:     {"g", 1},
	UnitKilograms: {"kg", 0.001},
	UnitOunces:    {"oz", 0.03527396},
	UnitPounds:    {"lb", 0.002204623},
}

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	return u < unitCount
}

func (u Unit) String() string {
	if !u.Valid() {
		return "--"
	}
	return unitInfo[u].name
}

// FromGrams converts grams to u.
func (u Unit) FromGrams(g float32) float32 {
	if !u.Valid() {
		return g
	}
	return g * unitInfo[u].perGram
}

// ToGrams converts a value in u to grams.
func (u Unit) ToGrams(v float32) float32 {
	if !u.Valid() {
		return v
	}
	return v / unitInfo[u].perGram
}

// ParseUnit returns the unit named s.
func ParseUnit(s string) (Unit, bool) {
	for u := range unitCount {
		if unitInfo[u].name == s {
			return u, true
		}
	}
	return 0, false
}
