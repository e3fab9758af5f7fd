package capture

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/pdmlink/internal/pool"
	"github.com/MrWong99/pdmlink/pkg/audio"
)

// Compile-time interface assertion.
var _ Device = (*ToneDevice)(nil)

// ToneDevice is a synthetic microphone that produces a continuous sine wave,
// one block per block period. Only 16-bit samples are supported.
type ToneDevice struct {
	paced

	freq      float64
	amplitude float64
	phase     float64 // only touched by Read
}

// NewTone returns a tone generator at freq Hz with amplitude in (0, 1] of
// full scale.
func NewTone(freq, amplitude float64) *ToneDevice {
	if amplitude <= 0 || amplitude > 1 {
		amplitude = 0.3
	}
	return &ToneDevice{freq: freq, amplitude: amplitude}
}

// Ready implements [Device].
func (d *ToneDevice) Ready() bool { return d.freq > 0 }

// Configure implements [Device].
func (d *ToneDevice) Configure(cfg StreamConfig) error {
	if cfg.Width != 16 {
		return fmt.Errorf("%w: tone generator produces 16-bit samples, got %d", ErrUnsupported, cfg.Width)
	}
	if d.freq*2 >= float64(cfg.SampleRate) {
		return fmt.Errorf("%w: tone %.0f Hz is above the Nyquist limit of %d Hz", ErrUnsupported, d.freq, cfg.SampleRate/2)
	}
	return d.configure(cfg)
}

// Start implements [Device].
func (d *ToneDevice) Start() error { return d.start() }

// Stop implements [Device].
func (d *ToneDevice) Stop() error { return d.stop() }

// Read implements [Device]. Read must not be called concurrently.
func (d *ToneDevice) Read(ctx context.Context, timeout time.Duration) (*pool.Block, int, error) {
	cfg, err := d.waitTick(ctx, timeout)
	if err != nil {
		return nil, 0, err
	}

	step := 2 * math.Pi * d.freq / float64(cfg.SampleRate)
	samples := cfg.SamplesPerBlock()

	b, err := cfg.Pool.Acquire()
	if err != nil {
		// The period still elapsed; keep the waveform continuous in time.
		d.phase = math.Mod(d.phase+step*float64(samples), 2*math.Pi)
		return nil, 0, err
	}

	buf := b.Bytes()[:0]
	scale := d.amplitude * math.MaxInt16
	frame := make([]int16, cfg.Channels)
	for i := 0; i < samples; i++ {
		v := int16(math.Round(scale * math.Sin(d.phase)))
		for ch := range frame {
			frame[ch] = v
		}
		buf = audio.AppendPCM(buf, frame)
		d.phase += step
		if d.phase >= 2*math.Pi {
			d.phase -= 2 * math.Pi
		}
	}
	return b, cfg.BlockSize, nil
}
