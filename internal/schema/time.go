package schema

import "time"

// Millis converts t to unix milliseconds. The zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time. 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Truncate drops precision below one millisecond.
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return FromMillis(t.UnixMilli())
}

// Now returns the current time at storage precision.
func Now() time.Time {
	return Truncate(time.Now())
}
