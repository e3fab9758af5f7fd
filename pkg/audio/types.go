// Package audio holds the PCM frame type shared by the host-side tools and
// helpers to convert, measure and consume 16-bit little-endian PCM.
package audio

import "time"

// AudioFrame represents a chunk of decoded PCM audio received from the link.
// Frames are what the receiver hands to the scope hub, the recorder and the
// decode command.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian, channels interleaved.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for the PDM microphone).
	SampleRate int

	// Channels: 1 for a single microphone, 2 for a left/right pair.
	Channels int

	// Timestamp is the device uptime carried by the most recent TIMESTAMP_MS
	// frame. Only meaningful when HasTimestamp is set.
	Timestamp time.Duration

	// HasTimestamp reports whether any TIMESTAMP_MS frame preceded this one.
	HasTimestamp bool
}

// Samples decodes the frame's PCM data.
func (f AudioFrame) Samples() []int16 {
	return Samples(f.Data)
}

// TimestampMillis returns the device timestamp in milliseconds and whether
// one is known.
func (f AudioFrame) TimestampMillis() (uint32, bool) {
	if !f.HasTimestamp {
		return 0, false
	}
	return uint32(f.Timestamp / time.Millisecond), true
}
