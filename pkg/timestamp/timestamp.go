// Package timestamp converts between time.Time and the int64 Unix
// millisecond form used on the streaming control channel, and parses the
// time bounds accepted by the query API.
//
// A millisecond value of 0 means "not set". Conversions map it to and from
// the zero time.Time.
//
// Usage:
//
//	ms := timestamp.Now()
//	t := timestamp.FromUnixMs(ms)
//
//	// RFC 3339, Unix seconds or Unix milliseconds
//	from, err := timestamp.ParseTime("2024-03-01T12:00:00Z")
//	from, err = timestamp.ParseTime("1709294400000")
package timestamp

import (
	"fmt"
	"strconv"
	"time"
)

// secondsCutoff separates Unix seconds from Unix milliseconds: integers
// above it (year 2001 in seconds) are taken as milliseconds.
const secondsCutoff = 1e12

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to a UTC time.Time.
// Returns zero time if ms is 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Format renders Unix milliseconds as RFC 3339 with millisecond precision.
// Returns an empty string if ms is 0.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTime accepts an RFC 3339 timestamp (nanoseconds optional) or an
// integer Unix timestamp in seconds or milliseconds.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is neither RFC 3339 nor a Unix time", s)
	}
	if err := Validate(n); err != nil {
		return time.Time{}, err
	}
	if n > secondsCutoff {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

// Validate checks that ms is non-negative and before year 3000.
func Validate(ms int64) error {
	if ms < 0 {
		return fmt.Errorf("timestamp cannot be negative: %d", ms)
	}
	if ms > 32503680000000 {
		return fmt.Errorf("timestamp too far in future: %d", ms)
	}
	return nil
}
