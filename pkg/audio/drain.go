package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to let a producer that owns ch (such as a receiver whose consumer
// has gone away) run to completion instead of leaking its goroutine.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
