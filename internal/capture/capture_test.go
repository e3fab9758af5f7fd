package capture_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/pdmlink/internal/capture"
	"github.com/MrWong99/pdmlink/internal/pool"
)

// fastConfig describes a 1 ms, 16 kHz, mono 16-bit stream (32-byte blocks).
func fastConfig(t *testing.T, blocks int) capture.StreamConfig {
	t.Helper()
	p, err := pool.New(blocks, 32)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	return capture.StreamConfig{
		SampleRate: 16000,
		Width:      16,
		Channels:   1,
		BlockSize:  32,
		Pool:       p,
	}
}

func TestStreamConfig_Geometry(t *testing.T) {
	t.Parallel()
	cfg := capture.StreamConfig{SampleRate: 16000, Width: 16, Channels: 1, BlockSize: 640}
	if got := cfg.SamplesPerBlock(); got != 320 {
		t.Errorf("SamplesPerBlock: got %d, want 320", got)
	}
	if got := cfg.BlockDuration(); got != 20*time.Millisecond {
		t.Errorf("BlockDuration: got %v, want 20ms", got)
	}
}

func TestStreamConfig_Validate(t *testing.T) {
	t.Parallel()
	small, _ := pool.New(1, 16)
	tests := []struct {
		name string
		cfg  capture.StreamConfig
	}{
		{"zero rate", capture.StreamConfig{Width: 16, Channels: 1, BlockSize: 32, Pool: small}},
		{"odd width", capture.StreamConfig{SampleRate: 16000, Width: 12, Channels: 1, BlockSize: 32, Pool: small}},
		{"no channels", capture.StreamConfig{SampleRate: 16000, Width: 16, BlockSize: 32, Pool: small}},
		{"misaligned block", capture.StreamConfig{SampleRate: 16000, Width: 16, Channels: 2, BlockSize: 30, Pool: small}},
		{"no pool", capture.StreamConfig{SampleRate: 16000, Width: 16, Channels: 1, BlockSize: 16}},
		{"pool too small", capture.StreamConfig{SampleRate: 16000, Width: 16, Channels: 1, BlockSize: 32, Pool: small}},
		{"channel map mismatch", capture.StreamConfig{SampleRate: 16000, Width: 16, Channels: 1, ChannelMap: []capture.Side{capture.Left, capture.Right}, BlockSize: 16, Pool: small}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestToneDevice_ProducesBlocks(t *testing.T) {
	t.Parallel()
	cfg := fastConfig(t, 2)
	dev := capture.NewTone(440, 0.5)
	if !dev.Ready() {
		t.Fatal("tone device should be ready")
	}
	if err := dev.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer dev.Stop()

	b, n, err := dev.Read(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 32 {
		t.Errorf("size: got %d, want 32", n)
	}
	// First sample is sin(0) == 0, later samples rise.
	first := int16(binary.LittleEndian.Uint16(b.Bytes()[0:]))
	second := int16(binary.LittleEndian.Uint16(b.Bytes()[2:]))
	if first != 0 || second <= 0 {
		t.Errorf("unexpected waveform start: %d, %d", first, second)
	}
	if err := cfg.Pool.Release(b); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestToneDevice_PoolExhausted(t *testing.T) {
	t.Parallel()
	cfg := fastConfig(t, 1)
	dev := capture.NewTone(440, 0.5)
	if err := dev.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	if _, _, err := dev.Read(context.Background(), time.Second); err != nil {
		t.Fatalf("first Read: %v", err)
	}
	if _, _, err := dev.Read(context.Background(), time.Second); !errors.Is(err, pool.ErrBlockUnavailable) {
		t.Fatalf("second Read: got %v, want ErrBlockUnavailable", err)
	}
}

func TestToneDevice_Lifecycle(t *testing.T) {
	t.Parallel()
	dev := capture.NewTone(440, 0.5)
	if err := dev.Start(); !errors.Is(err, capture.ErrNotConfigured) {
		t.Errorf("Start before Configure: got %v, want ErrNotConfigured", err)
	}
	if _, _, err := dev.Read(context.Background(), time.Millisecond); !errors.Is(err, capture.ErrNotStarted) {
		t.Errorf("Read before Start: got %v, want ErrNotStarted", err)
	}

	cfg := fastConfig(t, 1)
	cfg.Width = 32
	cfg.BlockSize = 32
	if err := dev.Configure(cfg); !errors.Is(err, capture.ErrUnsupported) {
		t.Errorf("32-bit configure: got %v, want ErrUnsupported", err)
	}
	if err := capture.NewTone(9000, 0.5).Configure(fastConfig(t, 1)); !errors.Is(err, capture.ErrUnsupported) {
		t.Errorf("tone above Nyquist: got %v, want ErrUnsupported", err)
	}
}

func TestToneDevice_ReadTimeout(t *testing.T) {
	t.Parallel()
	p, _ := pool.New(1, 640)
	dev := capture.NewTone(440, 0.5)
	cfg := capture.StreamConfig{SampleRate: 16000, Width: 16, Channels: 1, BlockSize: 640, Pool: p}
	if err := dev.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	// A 20 ms block period cannot complete within 1 ms.
	if _, _, err := dev.Read(context.Background(), time.Millisecond); !errors.Is(err, capture.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestReaderDevice_ReplaysThenGoesSilent(t *testing.T) {
	t.Parallel()
	cfg := fastConfig(t, 4)
	input := bytes.Repeat([]byte{0xAB}, 32+10)
	dev := capture.NewReader(bytes.NewReader(input), false)
	if err := dev.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	ctx := context.Background()
	_, n, err := dev.Read(ctx, time.Second)
	if err != nil || n != 32 {
		t.Fatalf("first block: n=%d err=%v, want 32/nil", n, err)
	}
	_, n, err = dev.Read(ctx, time.Second)
	if err != nil || n != 10 {
		t.Fatalf("short final block: n=%d err=%v, want 10/nil", n, err)
	}
	if _, _, err := dev.Read(ctx, 5*time.Millisecond); !errors.Is(err, capture.ErrTimeout) {
		t.Fatalf("after input: got %v, want ErrTimeout", err)
	}
	if _, _, err := dev.Read(ctx, 5*time.Millisecond); !errors.Is(err, capture.ErrTimeout) {
		t.Fatalf("silent device: got %v, want ErrTimeout", err)
	}
	if cfg.Pool.InUse() != 2 {
		t.Errorf("blocks in use: got %d, want 2", cfg.Pool.InUse())
	}
}

func TestReaderDevice_ShortBlockIsFrameAligned(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		channels int
		tail     int
		want     int
	}{
		{"mono odd byte", 1, 11, 10},
		{"stereo partial frame", 2, 14, 12},
		{"less than one frame", 2, 3, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := fastConfig(t, 4)
			cfg.Channels = tc.channels
			input := bytes.Repeat([]byte{0x11}, 32+tc.tail)
			dev := capture.NewReader(bytes.NewReader(input), false)
			if err := dev.Configure(cfg); err != nil {
				t.Fatal(err)
			}
			if err := dev.Start(); err != nil {
				t.Fatal(err)
			}
			defer dev.Stop()

			ctx := context.Background()
			if _, n, err := dev.Read(ctx, time.Second); err != nil || n != 32 {
				t.Fatalf("first block: n=%d err=%v, want 32/nil", n, err)
			}
			_, n, err := dev.Read(ctx, time.Second)
			if tc.want == 0 {
				if !errors.Is(err, capture.ErrTimeout) {
					t.Fatalf("got n=%d err=%v, want ErrTimeout", n, err)
				}
			} else if err != nil || n != tc.want {
				t.Fatalf("final block: n=%d err=%v, want %d/nil", n, err, tc.want)
			}
			if n%cfg.BytesPerFrame() != 0 {
				t.Errorf("n=%d is not a multiple of %d", n, cfg.BytesPerFrame())
			}
			wantInUse := 1
			if tc.want > 0 {
				wantInUse = 2
			}
			if cfg.Pool.InUse() != wantInUse {
				t.Errorf("blocks in use: got %d, want %d", cfg.Pool.InUse(), wantInUse)
			}
		})
	}
}

func TestReaderDevice_Loops(t *testing.T) {
	t.Parallel()
	cfg := fastConfig(t, 4)
	input := make([]byte, 32)
	for i := range input {
		input[i] = byte(i)
	}
	dev := capture.NewReader(bytes.NewReader(input), true)
	if err := dev.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	defer dev.Stop()

	for i := 0; i < 3; i++ {
		b, n, err := dev.Read(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if n != 32 || !bytes.Equal(b.Bytes()[:n], input) {
			t.Fatalf("Read %d: unexpected payload", i)
		}
		_ = cfg.Pool.Release(b)
	}
}
