// Package clock implements the NTP short-format timestamp carried end to
// end by the framer (spec §3 "NTP timestamp"): a 64-bit value, upper 32
// bits whole seconds since the NTP epoch, lower 32 bits a binary fraction
// of a second. The receiver uses it only for release scheduling and
// reporting; it is never an ordering key (sequence numbers are).
package clock

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// Stamp is a 64-bit NTP short-format timestamp: seconds<<32 | fraction.
type Stamp uint64

// Now returns the current time as an NTP short-format stamp.
func Now() Stamp {
	return FromTime(time.Now())
}

// FromTime converts a wall-clock time to NTP short format.
func FromTime(t time.Time) Stamp {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64((t.Nanosecond() * (1 << 32)) / 1e9)
	return Stamp(secs<<32 | (frac & 0xffffffff))
}

// Time converts an NTP short-format stamp back to a wall-clock time.
func (s Stamp) Time() time.Time {
	secs := int64(s>>32) - ntpEpochOffset
	frac := uint64(s & 0xffffffff)
	nsec := int64((frac * 1e9) >> 32)
	return time.Unix(secs, nsec)
}

// Seconds returns the upper 32 bits (whole seconds since the NTP epoch).
func (s Stamp) Seconds() uint32 { return uint32(s >> 32) }

// Fraction returns the lower 32 bits (binary fraction of a second).
func (s Stamp) Fraction() uint32 { return uint32(s) }

// Since reports the duration elapsed between s and now.
func (s Stamp) Since(now Stamp) time.Duration {
	return now.Time().Sub(s.Time())
}
