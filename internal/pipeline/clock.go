package pipeline

import "time"

// Clock supplies the millisecond timestamps carried in TIMESTAMP_MS frames.
// The value wraps after about 49.7 days, like a 32-bit uptime counter.
type Clock interface {
	Millis() uint32
}

// ClockFunc adapts a function to [Clock].
type ClockFunc func() uint32

// Millis implements [Clock].
func (f ClockFunc) Millis() uint32 { return f() }

// bootClock counts milliseconds since it was created.
type bootClock struct {
	boot time.Time
}

// NewBootClock returns a [Clock] that reads zero now and counts up.
func NewBootClock() Clock {
	return bootClock{boot: time.Now()}
}

// Millis implements [Clock].
func (c bootClock) Millis() uint32 {
	return uint32(time.Since(c.boot).Milliseconds())
}
