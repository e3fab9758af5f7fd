// Package recorder writes received audio to CSV files, one row per sample:
//
//	timestamp_ms,sample_index,sample_i16
//
// The timestamp column carries the device timestamp of the block the sample
// arrived in and is left blank when the device has not sent one yet.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Header is the first row of every recording.
var Header = []string{"timestamp_ms", "sample_index", "sample_i16"}

// ErrNotRecording is returned by [Recorder.WriteFrame] while stopped.
var ErrNotRecording = errors.New("recorder: not recording")

// State describes the current recording.
type State struct {
	Enabled     bool      `json:"enabled"`
	ID          string    `json:"id,omitempty"`
	Path        string    `json:"path,omitempty"`
	SampleIndex int64     `json:"sample_index"`
	SampleRate  int       `json:"sample_rate_hz"`
	Started     time.Time `json:"started,omitzero"`
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithClock sets the time source used for file names. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder writes CSV recordings into a directory. All methods are safe for
// concurrent use.
type Recorder struct {
	dir string
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	state State
	file  *os.File
	w     *csv.Writer
	row   [3]string
}

// New returns a Recorder writing into dir, creating it if needed.
func New(dir string, opts ...Option) (*Recorder, error) {
	if dir == "" {
		return nil, errors.New("recorder: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", dir, err)
	}
	r := &Recorder{dir: dir}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Dir returns the recordings directory.
func (r *Recorder) Dir() string { return r.dir }

// Start opens a new recording for a stream at sampleRate and returns its
// path. If a recording is already running its path is returned unchanged.
func (r *Recorder) Start(sampleRate int) (string, error) {
	if sampleRate <= 0 {
		return "", fmt.Errorf("recorder: invalid sample rate %d", sampleRate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Enabled {
		return r.state.Path, nil
	}

	started := r.now()
	f, path, err := r.create(fmt.Sprintf("audio_%s_%dhz", started.Format("20060102_150405"), sampleRate))
	if err != nil {
		return "", err
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return "", fmt.Errorf("recorder: write header: %w", err)
	}

	r.file = f
	r.w = w
	r.state = State{
		Enabled:    true,
		ID:         uuid.NewString(),
		Path:       path,
		SampleRate: sampleRate,
		Started:    started,
	}
	r.log.Info("recording started", "path", path, "id", r.state.ID, "sample_rate_hz", sampleRate)
	return path, nil
}

// create opens base.csv exclusively, adding a numeric suffix when a
// recording with the same name already exists.
func (r *Recorder) create(base string) (*os.File, string, error) {
	name := base + ".csv"
	for i := 2; ; i++ {
		path := filepath.Join(r.dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) || i > 100 {
			return nil, "", fmt.Errorf("recorder: create %s: %w", path, err)
		}
		name = fmt.Sprintf("%s_%d.csv", base, i)
	}
}

// WriteFrame appends one row per sample. hasTS reports whether ts is a real
// device timestamp.
func (r *Recorder) WriteFrame(ts uint32, hasTS bool, samples []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.Enabled {
		return ErrNotRecording
	}

	r.row[0] = ""
	if hasTS {
		r.row[0] = strconv.FormatUint(uint64(ts), 10)
	}
	for _, s := range samples {
		r.row[1] = strconv.FormatInt(r.state.SampleIndex, 10)
		r.row[2] = strconv.Itoa(int(s))
		if err := r.w.Write(r.row[:]); err != nil {
			return fmt.Errorf("recorder: write: %w", err)
		}
		r.state.SampleIndex++
	}
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		return fmt.Errorf("recorder: write: %w", err)
	}
	return nil
}

// Stop closes the current recording. Stopping a stopped recorder is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.Enabled {
		return nil
	}
	r.w.Flush()
	err := errors.Join(r.w.Error(), r.file.Close())

	r.log.Info("recording stopped", "path", r.state.Path, "samples", r.state.SampleIndex)
	r.file = nil
	r.w = nil
	r.state.Enabled = false
	if err != nil {
		return fmt.Errorf("recorder: close %s: %w", r.state.Path, err)
	}
	return nil
}

// State returns a copy of the current recording state. After Stop the path
// and sample count of the last recording remain visible.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
