package recorder

import "strconv"

// Unavailable is the reserved value recorded to mark a period during
// which an item's device could not be reached.
const Unavailable = "unavailable"

// Value is an observation carried on the bus: a number, a categorical
// state, or the gap sentinel. Parsing happens once, on construction.
type Value struct {
	raw     string
	num     float64
	numeric bool
}

func ParseValue(raw string) Value {
	v := Value{raw: raw}

	if raw == Unavailable {
		return v
	}

	if num, err := strconv.ParseFloat(raw, 64); err == nil {
		v.num = num
		v.numeric = true
	}

	return v
}

func (v Value) String() string {
	return v.raw
}

func (v Value) IsGap() bool {
	return v.raw == Unavailable
}

// Number returns the numeric form and whether the value parsed as one.
func (v Value) Number() (float64, bool) {
	return v.num, v.numeric
}

// NumberOrZero returns the numeric form, zero for non-numeric values.
func (v Value) NumberOrZero() float64 {
	return v.num
}
