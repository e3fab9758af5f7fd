package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable format such as "16000Hz mono".
func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch and drops frames whose PCM data is not made of
// whole sample frames.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. A frame already in the
// target format is returned unchanged. A misaligned frame comes back with nil
// Data. Channels are mixed down before resampling and up after it, so the
// resampler always works on the smaller channel count.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.Channels <= 0 || len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"channels", frame.Channels,
			)
		})
		frame.Data = nil
		return frame
	}

	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting", "from", src, "to", c.Target)
	})

	pcm := frame.Data
	channels := frame.Channels
	if c.Target.Channels < channels {
		pcm = Downmix(pcm, channels)
		channels = 1
	}
	pcm = Resample(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	if c.Target.Channels > channels {
		pcm = Upmix(pcm, c.Target.Channels)
	}

	frame.Data = pcm
	frame.SampleRate = c.Target.SampleRate
	frame.Channels = c.Target.Channels
	return frame
}

// ConvertStream wraps an input channel with a conversion goroutine. It closes
// the returned channel when in closes. Uses cap(in) for the output channel
// buffer. Frames that fail conversion are dropped.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if converted.Data == nil {
				continue
			}
			out <- converted
		}
	}()
	return out
}
