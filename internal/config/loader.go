package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults]. They reproduce the PDM sample: 16 kHz
// 16-bit mono in 20 ms blocks, 64 pool blocks, 16 queue slots.
const (
	DefaultListenAddr      = ":9100"
	DefaultSampleRate      = 16000
	DefaultWidth           = 16
	DefaultChannels        = 1
	DefaultBlockMillis     = 20
	DefaultBlockCount      = 64
	DefaultReadTimeout     = 2 * time.Second
	DefaultToneHz          = 440
	DefaultAmplitude       = 0.3
	DefaultQueueCapacity   = 16
	DefaultOutputDevice    = "/dev/ttyACM0"
	DefaultBaud            = 921600
	DefaultScopeListenAddr = ":8000"
	DefaultWaveSeconds     = 2
	DefaultRecordingsDir   = "recordings"
	DefaultMaxFrameLength  = 4096
	DefaultFrameQueue      = 64
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	c := &cfg.Capture
	setDefault(&c.Device, DeviceTone)
	setDefault(&c.SampleRate, DefaultSampleRate)
	setDefault(&c.Width, DefaultWidth)
	setDefault(&c.Channels, DefaultChannels)
	setDefault(&c.BlockMillis, DefaultBlockMillis)
	setDefault(&c.BlockCount, DefaultBlockCount)
	setDefault(&c.ReadTimeout, DefaultReadTimeout)
	setDefault(&c.ToneHz, DefaultToneHz)
	setDefault(&c.Amplitude, DefaultAmplitude)

	setDefault(&cfg.Queue.Capacity, DefaultQueueCapacity)

	o := &cfg.Output
	setDefault(&o.Kind, OutputSerial)
	setDefault(&o.Device, DefaultOutputDevice)
	setDefault(&o.Baud, DefaultBaud)

	s := &cfg.Scope
	setDefault(&s.ListenAddr, DefaultScopeListenAddr)
	setDefault(&s.Baud, DefaultBaud)
	setDefault(&s.SampleRate, cfg.Capture.SampleRate)
	setDefault(&s.Channels, cfg.Capture.Channels)
	setDefault(&s.WaveSeconds, DefaultWaveSeconds)
	setDefault(&s.RecordingsDir, DefaultRecordingsDir)
	setDefault(&s.MaxFrameLength, DefaultMaxFrameLength)
	setDefault(&s.FrameQueue, DefaultFrameQueue)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	c := cfg.Capture
	if !c.Device.IsValid() {
		errs = append(errs, fmt.Errorf("capture.device %q is invalid; valid values: tone, file", c.Device))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate_hz %d must be positive", c.SampleRate))
	}
	if c.Width != 16 {
		// Both devices synthesise or replay s16le only.
		errs = append(errs, fmt.Errorf("capture.pcm_width_bits %d is unsupported; only 16 is", c.Width))
	}
	if c.Channels < 1 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", c.Channels))
	}
	if c.BlockMillis <= 0 {
		errs = append(errs, fmt.Errorf("capture.block_ms %d must be positive", c.BlockMillis))
	}
	if c.BlockCount <= 0 {
		errs = append(errs, fmt.Errorf("capture.block_count %d must be positive", c.BlockCount))
	}
	if n := c.BlockSize(); c.SampleRate > 0 && c.BlockMillis > 0 && (n <= 0 || n > DefaultMaxFrameLength) {
		errs = append(errs, fmt.Errorf("capture block of %d bytes is out of range (0, %d]", n, DefaultMaxFrameLength))
	}
	if c.Amplitude <= 0 || c.Amplitude > 1 {
		errs = append(errs, fmt.Errorf("capture.amplitude %.2f is out of range (0, 1]", c.Amplitude))
	}
	if c.Device == DeviceTone && c.ToneHz*2 >= float64(c.SampleRate) {
		slog.Warn("capture.tone_hz is at or above the Nyquist frequency; the tone will alias",
			"tone_hz", c.ToneHz, "sample_rate_hz", c.SampleRate)
	}
	if c.Device == DeviceFile && c.File == "" {
		errs = append(errs, errors.New("capture.file is required when capture.device is file"))
	}

	// Queue
	if cfg.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity %d must be positive", cfg.Queue.Capacity))
	} else if cfg.Queue.Capacity >= c.BlockCount && c.BlockCount > 0 {
		slog.Warn("queue.capacity is not below capture.block_count; the pool, not the queue, will limit buffering",
			"capacity", cfg.Queue.Capacity, "block_count", c.BlockCount)
	}

	// Output
	o := cfg.Output
	if !o.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("output.kind %q is invalid; valid values: serial, file, stdout", o.Kind))
	}
	if o.Kind == OutputFile && o.Path == "" {
		errs = append(errs, errors.New("output.path is required when output.kind is file"))
	}
	if o.Kind == OutputSerial && o.Device == "" {
		errs = append(errs, errors.New("output.device is required when output.kind is serial"))
	}
	if o.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("output.buffer_size %d must not be negative", o.BufferSize))
	}

	// Scope
	s := cfg.Scope
	if s.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("scope.sample_rate_hz %d must be positive", s.SampleRate))
	}
	if s.Channels < 1 || s.Channels > 2 {
		errs = append(errs, fmt.Errorf("scope.channels %d is out of range [1, 2]", s.Channels))
	}
	if s.WaveSeconds <= 0 || s.WaveSeconds > 60 {
		errs = append(errs, fmt.Errorf("scope.wave_seconds %.2f is out of range (0, 60]", s.WaveSeconds))
	}
	if s.MaxFrameLength <= 0 || s.MaxFrameLength > 0xFFFF {
		errs = append(errs, fmt.Errorf("scope.max_frame_length %d is out of range (0, 65535]", s.MaxFrameLength))
	}
	if s.FrameQueue <= 0 {
		errs = append(errs, fmt.Errorf("scope.frame_queue %d must be positive", s.FrameQueue))
	}

	return errors.Join(errs...)
}
