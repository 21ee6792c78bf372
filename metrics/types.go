package metrics

import "sort"

// Policy decides which prometheus collector backs a metric name.
type Policy int

const (
	PolicyNone      Policy = iota
	PolicySet              // gauge, last value wins
	PolicySum              // counter
	PolicyStopwatch        // histogram of durations in seconds
)

func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "gauge"
	case PolicySum:
		return "counter"
	case PolicyStopwatch:
		return "stopwatch"
	}
	return "none"
}

// Value is a metric sample.
type Value float64

// Dimension labels a sample, for example {"service": "kcp", "code": "100001"}.
// Every sample of one metric must use the same label keys.
type Dimension map[string]string

// keys returns the label names in a stable order.
func (d Dimension) keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
