package domain

import "time"

// Clock supplies the current time to the components. Tests substitute a fixed or
// manually advanced clock.
type Clock func() time.Time

// SystemClock returns time.Now.
func SystemClock() Clock {
	return time.Now
}

// Page clamps offset and limit to a list of n items and returns the [lo, hi) bounds.
// A non-positive limit selects everything after offset.
func Page(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	hi := n
	if limit > 0 && offset+limit < n {
		hi = offset + limit
	}
	return offset, hi
}
