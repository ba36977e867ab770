package clock

import "time"

// Clock abstracts time-related functions so schedulers can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Ensure returns c when non-nil, otherwise the real clock.
func Ensure(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Since reports the time elapsed on c since t. A zero t yields zero.
func Since(c Clock, t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return Ensure(c).Now().Sub(t)
}
