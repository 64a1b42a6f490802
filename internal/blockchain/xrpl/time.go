package xrpl

import "time"

// RippleEpochOffset is the number of seconds between the Unix epoch and 2000-01-01
const RippleEpochOffset = 946684800

// ToRippleTime converts t to seconds since the ripple epoch
func ToRippleTime(t time.Time) uint32 {
	s := t.Unix() - RippleEpochOffset
	if s < 0 {
		return 0
	}
	return uint32(s)
}

// FromRippleTime converts seconds since the ripple epoch to UTC time
func FromRippleTime(s uint32) time.Time {
	return time.Unix(int64(s)+RippleEpochOffset, 0).UTC()
}
