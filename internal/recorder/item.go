package recorder

// Trigger properties represent discrete occurrences rather than state,
// so identical consecutive values are still recorded.
var triggerProperties = map[string]struct{}{
	"action": {},
	"event":  {},
	"scene":  {},
}

// Item is a tracked (endpoint, property) pair with its recording policy
// and the last accepted observation. The (endpoint, property) identity
// never changes after creation; only the policy fields may be updated.
type Item struct {
	ID        int64
	Endpoint  string
	Property  string
	Debounce  int64 // milliseconds
	Threshold float64

	lastTimestamp int64
	lastValue     string
}

// Key returns the composite registry key.
func (i *Item) Key() string {
	return i.Endpoint + "/" + i.Property
}

// LastTimestamp returns the timestamp of the last accepted value in
// milliseconds, zero when nothing was accepted or rehydrated yet.
func (i *Item) LastTimestamp() int64 {
	return i.lastTimestamp
}

// LastValue returns the last accepted value.
func (i *Item) LastValue() string {
	return i.lastValue
}

func (i *Item) isTrigger() bool {
	_, ok := triggerProperties[i.Property]
	return ok
}

// withinThreshold reports whether the new value falls strictly inside
// the tolerance band around the last value. Boundary values are
// outside the band and therefore accepted.
func (i *Item) withinThreshold(value float64) bool {
	if i.Threshold == 0 {
		return false
	}

	last := ParseValue(i.lastValue).NumberOrZero()

	return (last < value && last+i.Threshold > value) || (last > value && last-i.Threshold < value)
}

// FilterResult is the ingestion filter's verdict for one observation.
type FilterResult int

const (
	Accept FilterResult = iota
	SuppressStale
	SuppressDuplicate
	SuppressDebounced
)

func (r FilterResult) String() string {
	switch r {
	case Accept:
		return "accept"
	case SuppressStale:
		return "stale"
	case SuppressDuplicate:
		return "duplicate"
	case SuppressDebounced:
		return "debounced"
	default:
		return "unknown"
	}
}

// filter decides whether an observation is worth storing. The caller
// must have rehydrated the item's last observation beforehand.
func (i *Item) filter(timestamp int64, value string) FilterResult {
	if timestamp < i.lastTimestamp {
		return SuppressStale
	}

	if value == i.lastValue && !i.isTrigger() {
		return SuppressDuplicate
	}

	if timestamp < i.lastTimestamp+i.Debounce {
		if i.Threshold == 0 || i.withinThreshold(ParseValue(value).NumberOrZero()) {
			return SuppressDebounced
		}
	}

	return Accept
}
