package pipeline

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"
)

// Stats collects counters and recent transmit latencies of a running
// pipeline. The OTel instruments in observe carry the same numbers to
// /metrics; Stats is what the process can inspect about itself (readiness
// checks, the SIGUSR1 stats dump, tests).
//
// Thread-safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	captured     int64
	sent         int64
	dropped      int64
	overruns     int64
	readTimeouts int64
	readErrors   int64
	writeErrors  int64

	tx latencyBuffer
}

// NewStats creates a Stats that keeps the last windowSize transmit latency
// samples.
func NewStats(windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = 256
	}
	return &Stats{tx: newLatencyBuffer(windowSize)}
}

func (s *Stats) add(counter *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*counter++
}

func (s *Stats) recordTx(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	s.tx.add(d)
}

// LatencyPercentiles holds p50 and p95 values of a latency series.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot is a point-in-time view of the pipeline statistics.
type Snapshot struct {
	// Captured counts blocks delivered by the device.
	Captured int64
	// Sent counts blocks whose timestamp and PCM frames were written.
	Sent int64
	// Dropped counts blocks released because the transfer queue was full.
	Dropped int64
	// Overruns counts block periods lost to an exhausted pool.
	Overruns int64
	// ReadTimeouts counts device reads that timed out.
	ReadTimeouts int64
	// ReadErrors counts other failed device reads.
	ReadErrors int64
	// WriteErrors counts failed frame writes on the output channel.
	WriteErrors int64
	// Tx summarises how long recent frame pairs took to write.
	Tx LatencyPercentiles
}

// LogValue implements [slog.LogValuer].
func (s Snapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("captured", s.Captured),
		slog.Int64("sent", s.Sent),
		slog.Int64("dropped", s.Dropped),
		slog.Int64("overruns", s.Overruns),
		slog.Int64("read_timeouts", s.ReadTimeouts),
		slog.Int64("read_errors", s.ReadErrors),
		slog.Int64("write_errors", s.WriteErrors),
		slog.Duration("tx_p50", s.Tx.P50),
		slog.Duration("tx_p95", s.Tx.P95),
	)
}

// Snapshot returns a point-in-time view of all statistics.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Captured:     s.captured,
		Sent:         s.sent,
		Dropped:      s.dropped,
		Overruns:     s.overruns,
		ReadTimeouts: s.readTimeouts,
		ReadErrors:   s.readErrors,
		WriteErrors:  s.writeErrors,
		Tx:           s.tx.percentiles(),
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	valid := lb.data[:lb.pos]
	if lb.full {
		valid = lb.data
	}
	if len(valid) == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(valid)
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
