package domain

import "time"

// Clock is a time source. Components fall back to time.Now when none is given.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}

	return c()
}
