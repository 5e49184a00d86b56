package dcnsim

// vtime.go holds the virtual clock units used throughout the simulator.
// All simulation times are counts of nanoseconds from the start of the
// run, and all durations are nanosecond counts as well.

import (
	"math"
	"strconv"
)

// SimTime is a virtual time or duration, in nanoseconds
type SimTime int64

// TimeZero is the origin of every run
const TimeZero SimTime = 0

// MicrosToTime converts a count of microseconds to a SimTime
func MicrosToTime(us int64) SimTime {
	return SimTime(us * 1000)
}

// MillisToTime converts a count of milliseconds to a SimTime
func MillisToTime(ms int64) SimTime {
	return SimTime(ms * 1000 * 1000)
}

// SecondsToTime converts a float64 count of seconds to a SimTime,
// rounding to the nearest nanosecond
func SecondsToTime(s float64) SimTime {
	return SimTime(math.Round(s * 1e9))
}

// FloatMillisToTime converts a possibly fractional count of milliseconds
// to a SimTime.  Non-positive and non-finite inputs map to zero
func FloatMillisToTime(ms float64) SimTime {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0.0 {
		return TimeZero
	}
	return SimTime(math.Round(ms * 1e6))
}

// Seconds returns the time as a float64 count of seconds
func (t SimTime) Seconds() float64 {
	return float64(t) / 1e9
}

// Nanos returns the time as a raw nanosecond count
func (t SimTime) Nanos() int64 {
	return int64(t)
}

// str formats the time for error and log messages
func (t SimTime) str() string {
	return strconv.FormatInt(int64(t), 10) + "ns"
}

func maxTime(a, b SimTime) SimTime {
	if a > b {
		return a
	}
	return b
}

func minTime(a, b SimTime) SimTime {
	if a < b {
		return a
	}
	return b
}
