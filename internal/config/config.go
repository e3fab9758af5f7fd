// Package config provides the configuration schema and loader for pdmlink.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DeviceKind selects the sampling device of the stream command.
type DeviceKind string

const (
	// DeviceTone is a synthetic sine-wave microphone.
	DeviceTone DeviceKind = "tone"

	// DeviceFile replays raw s16le PCM from a file.
	DeviceFile DeviceKind = "file"
)

// IsValid reports whether d is a recognised device kind.
func (d DeviceKind) IsValid() bool {
	return d == DeviceTone || d == DeviceFile
}

// OutputKind selects where the stream command writes its TLV bytes.
type OutputKind string

const (
	OutputSerial OutputKind = "serial"
	OutputFile   OutputKind = "file"
	OutputStdout OutputKind = "stdout"
)

// IsValid reports whether o is a recognised output kind.
func (o OutputKind) IsValid() bool {
	switch o {
	case OutputSerial, OutputFile, OutputStdout:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Capture CaptureConfig `yaml:"capture"`
	Queue   QueueConfig   `yaml:"queue"`
	Output  OutputConfig  `yaml:"output"`
	Scope   ScopeConfig   `yaml:"scope"`
}

// ServerConfig holds the stream command's HTTP endpoint (health and
// metrics) and logging settings.
type ServerConfig struct {
	// ListenAddr for /healthz, /readyz and /metrics. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig describes the sampled stream and the block pool.
type CaptureConfig struct {
	Device     DeviceKind `yaml:"device"`
	SampleRate int        `yaml:"sample_rate_hz"`
	Width      int        `yaml:"pcm_width_bits"`
	Channels   int        `yaml:"channels"`

	// BlockMillis is the audio duration of one pool block.
	BlockMillis int `yaml:"block_ms"`

	// BlockCount is the number of blocks in the pool.
	BlockCount int `yaml:"block_count"`

	// ReadTimeout bounds one device read. Zero selects the default; a
	// negative value waits until shutdown. See [CaptureConfig.DeviceReadTimeout].
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ToneHz and Amplitude (0, 1] configure the tone device.
	ToneHz    float64 `yaml:"tone_hz"`
	Amplitude float64 `yaml:"amplitude"`

	// File and Loop configure the file device.
	File string `yaml:"file"`
	Loop bool   `yaml:"loop"`
}

// DeviceReadTimeout returns the timeout to pass to a capture device read.
// A negative ReadTimeout maps to zero, which devices treat as no bound.
func (c CaptureConfig) DeviceReadTimeout() time.Duration {
	if c.ReadTimeout < 0 {
		return 0
	}
	return c.ReadTimeout
}

// BlockSize returns the size of one block in bytes:
// rate·block_ms/1000 samples of width/8 bytes for every channel.
func (c CaptureConfig) BlockSize() int {
	return c.SampleRate * c.BlockMillis / 1000 * (c.Width / 8) * c.Channels
}

// QueueConfig sizes the transfer queue between capture and transmission.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// OutputConfig selects the byte channel the transmitter writes to.
type OutputConfig struct {
	Kind       OutputKind `yaml:"kind"`
	Device     string     `yaml:"device"`
	Baud       int        `yaml:"baud"`
	Path       string     `yaml:"path"`
	BufferSize int        `yaml:"buffer_size"`
}

// ScopeConfig configures the scope command.
type ScopeConfig struct {
	ListenAddr    string  `yaml:"listen_addr"`
	Baud          int     `yaml:"baud"`
	SampleRate    int     `yaml:"sample_rate_hz"`
	Channels      int     `yaml:"channels"`
	WaveSeconds   float64 `yaml:"wave_seconds"`
	RecordingsDir string  `yaml:"recordings_dir"`

	// AutoRecord starts a recording on every connect. Default: true.
	AutoRecord *bool `yaml:"auto_record"`

	MaxFrameLength int  `yaml:"max_frame_length"`
	FrameQueue     int  `yaml:"frame_queue"`
	LogFrames      bool `yaml:"log_frames"`
}

// AutoRecording reports the effective auto_record setting.
func (s ScopeConfig) AutoRecording() bool {
	return s.AutoRecord == nil || *s.AutoRecord
}
