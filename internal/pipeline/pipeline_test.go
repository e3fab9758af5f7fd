package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/pdmlink/internal/capture"
	"github.com/MrWong99/pdmlink/internal/capture/mock"
	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/internal/pipeline"
	"github.com/MrWong99/pdmlink/internal/pool"
	"github.com/MrWong99/pdmlink/internal/queue"
	"github.com/MrWong99/pdmlink/internal/resilience"
	"github.com/MrWong99/pdmlink/pkg/tlv"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpts(t *testing.T, extra ...pipeline.Option) []pipeline.Option {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return append([]pipeline.Option{
		pipeline.WithLogger(quietLogger()),
		pipeline.WithMetrics(m),
	}, extra...)
}

func newPoolQueue(t *testing.T, blocks, blockSize, capacity int) (*pool.Pool, *queue.Queue) {
	t.Helper()
	p, err := pool.New(blocks, blockSize)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	q, err := queue.New(capacity)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return p, q
}

func streamConfig(p *pool.Pool, blockSize int) capture.StreamConfig {
	return capture.StreamConfig{SampleRate: 16000, Width: 16, Channels: 1, BlockSize: blockSize, Pool: p}
}

// startedDevice configures and starts dev the way Pipeline.Run would.
func startedDevice(t *testing.T, dev *mock.Device, cfg capture.StreamConfig) {
	t.Helper()
	if err := dev.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// runTask starts fn in a goroutine and returns a channel receiving its result.
func runTask(ctx context.Context, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	return done
}

func awaitTask(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("task returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after cancellation")
	}
}

// syncBuffer is a goroutine-safe byte sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) WriteByte(c byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.WriteByte(c)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// gatedWriter blocks every write until Open is called.
type gatedWriter struct {
	syncBuffer
	gate chan struct{}
	once sync.Once
}

func newGatedWriter() *gatedWriter { return &gatedWriter{gate: make(chan struct{})} }

func (g *gatedWriter) WriteByte(c byte) error {
	<-g.gate
	return g.syncBuffer.WriteByte(c)
}

func (g *gatedWriter) Open() { g.once.Do(func() { close(g.gate) }) }

// closableWriter accepts limit bytes, then blocks every write until Close.
type closableWriter struct {
	syncBuffer
	limit   int
	written atomic.Int64
	closed  chan struct{}
	once    sync.Once
}

func newClosableWriter(limit int) *closableWriter {
	return &closableWriter{limit: limit, closed: make(chan struct{})}
}

func (c *closableWriter) WriteByte(b byte) error {
	if c.written.Load() >= int64(c.limit) {
		<-c.closed
		return io.ErrClosedPipe
	}
	c.written.Add(1)
	return c.syncBuffer.WriteByte(b)
}

func (c *closableWriter) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// failingWriter rejects every byte.
type failingWriter struct{ writes atomic.Int64 }

var errLinkDown = errors.New("link down")

func (f *failingWriter) WriteByte(byte) error {
	f.writes.Add(1)
	return errLinkDown
}

// flushCounter counts Flush calls.
type flushCounter struct {
	syncBuffer
	flushes atomic.Int64
}

func (f *flushCounter) Flush() error {
	f.flushes.Add(1)
	return nil
}

func decodeAll(t *testing.T, data []byte) []tlv.Frame {
	t.Helper()
	dec := tlv.NewDecoder(bytes.NewReader(data))
	var frames []tlv.Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("decode frame %d: %v", len(frames), err)
		}
		frames = append(frames, f)
	}
}

func block(v byte, n int) []byte { return bytes.Repeat([]byte{v}, n) }

func fixedClock(ms uint32) pipeline.Clock {
	return pipeline.ClockFunc(func() uint32 { return ms })
}

// ─── source ──────────────────────────────────────────────────────────────────

// Five blocks arrive while the transmitter is not consuming: two fit into the
// queue, the other three are dropped and go straight back to the pool. Once
// the transmitter runs, the wire carries exactly the two queued blocks.
func TestSource_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 3, 4, 2)
	dev := &mock.Device{Script: []mock.Step{
		{Data: block(1, 4)}, {Data: block(2, 4)}, {Data: block(3, 4)},
		{Data: block(4, 4)}, {Data: block(5, 4)},
	}}
	startedDevice(t, dev, streamConfig(p, 4))

	stats := pipeline.NewStats(0)
	opts := testOpts(t, pipeline.WithStats(stats), pipeline.WithClock(fixedClock(1234)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srcDone := runTask(ctx, pipeline.NewSource(dev, p, q, opts...).Run)
	waitClosed(t, "device script", dev.Exhausted())

	snap := stats.Snapshot()
	if snap.Captured != 5 || snap.Dropped != 3 {
		t.Fatalf("captured=%d dropped=%d, want 5/3", snap.Captured, snap.Dropped)
	}
	if q.Len() != 2 {
		t.Fatalf("queued: got %d, want 2", q.Len())
	}
	if p.Free() != 1 {
		t.Fatalf("free blocks: got %d, want 1", p.Free())
	}

	out := &syncBuffer{}
	tx := pipeline.NewTransmitter(q, p, out, opts...)
	txDone := runTask(ctx, tx.Run)
	waitFor(t, "two blocks sent", func() bool {
		return stats.Snapshot().Sent == 2 && tx.State() == pipeline.StateWaitDescriptor
	})
	cancel()
	awaitTask(t, srcDone)
	awaitTask(t, txDone)

	frames := decodeAll(t, out.Bytes())
	want := []tlv.Frame{
		tlv.SyncFrame(),
		tlv.TimestampFrame(1234), tlv.PCMFrame(block(1, 4)),
		tlv.TimestampFrame(1234), tlv.PCMFrame(block(2, 4)),
	}
	if len(frames) != len(want) {
		t.Fatalf("frames: got %d, want %d", len(frames), len(want))
	}
	for i := range want {
		if frames[i].Tag != want[i].Tag || !bytes.Equal(frames[i].Value, want[i].Value) {
			t.Errorf("frame %d: got %v %x, want %v %x", i, frames[i].Tag, frames[i].Value, want[i].Tag, want[i].Value)
		}
	}
	if p.Free() != p.Count() {
		t.Errorf("free blocks after drain: got %d, want %d", p.Free(), p.Count())
	}
}

// With a single-block pool and no consumer, the second read finds the pool
// empty. That period is counted as an overrun, not as a drop.
func TestSource_PoolExhaustionIsOverrun(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 1, 4, 2)
	dev := &mock.Device{Script: []mock.Step{{Data: block(1, 4)}, {Data: block(2, 4)}}}
	startedDevice(t, dev, streamConfig(p, 4))

	src := pipeline.NewSource(dev, p, q, testOpts(t)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := runTask(ctx, src.Run)
	waitClosed(t, "device script", dev.Exhausted())
	cancel()
	awaitTask(t, done)

	snap := src.Stats().Snapshot()
	if snap.Captured != 1 || snap.Overruns != 1 || snap.Dropped != 0 {
		t.Errorf("captured=%d overruns=%d dropped=%d, want 1/1/0", snap.Captured, snap.Overruns, snap.Dropped)
	}
	if q.Len() != 1 {
		t.Errorf("queued: got %d, want 1", q.Len())
	}
}

func TestSource_RetriesAfterTimeout(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 2, 4, 2)
	dev := &mock.Device{Script: []mock.Step{
		{Err: capture.ErrTimeout},
		{Err: capture.ErrTimeout},
		{Data: block(7, 4)},
	}}
	startedDevice(t, dev, streamConfig(p, 4))

	src := pipeline.NewSource(dev, p, q, testOpts(t, pipeline.WithReadTimeout(time.Millisecond))...)
	ctx, cancel := context.WithCancel(context.Background())
	done := runTask(ctx, src.Run)
	waitClosed(t, "device script", dev.Exhausted())
	cancel()
	awaitTask(t, done)

	snap := src.Stats().Snapshot()
	if snap.ReadTimeouts != 2 || snap.Captured != 1 {
		t.Errorf("timeouts=%d captured=%d, want 2/1", snap.ReadTimeouts, snap.Captured)
	}
	d, err := q.TryDequeue()
	if err != nil {
		t.Fatalf("TryDequeue: %v", err)
	}
	if !bytes.Equal(d.Payload(), block(7, 4)) {
		t.Errorf("payload: got %x", d.Payload())
	}
}

func TestSource_BreakerPausesFailingDevice(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("dma fault")
	p, q := newPoolQueue(t, 2, 4, 2)
	dev := &mock.Device{Script: []mock.Step{
		{Err: errBoom},
		{Err: errBoom},
		{Data: block(9, 4)},
	}}
	startedDevice(t, dev, streamConfig(p, 4))

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test-device",
		MaxFailures:  2,
		ResetTimeout: 20 * time.Millisecond,
		Logger:       quietLogger(),
	})
	src := pipeline.NewSource(dev, p, q, testOpts(t, pipeline.WithDeviceBreaker(cb))...)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	done := runTask(ctx, src.Run)
	waitClosed(t, "device script", dev.Exhausted())
	elapsed := time.Since(start)
	cancel()
	awaitTask(t, done)

	snap := src.Stats().Snapshot()
	if snap.ReadErrors != 2 || snap.Captured != 1 {
		t.Errorf("read errors=%d captured=%d, want 2/1", snap.ReadErrors, snap.Captured)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("device read again after %v, want at least the 20ms reset timeout", elapsed)
	}
	if cb.State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed after a good read", cb.State())
	}
}

// ─── transmitter ─────────────────────────────────────────────────────────────

func TestTransmitter_FlushesBufferedChannel(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 2, 4, 2)
	b, _ := p.Acquire()
	copy(b.Bytes(), block(3, 4))
	if err := q.TryEnqueue(queue.Descriptor{Block: b, Len: 4}); err != nil {
		t.Fatal(err)
	}

	out := &flushCounter{}
	tx := pipeline.NewTransmitter(q, p, out, testOpts(t)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := runTask(ctx, tx.Run)
	waitFor(t, "block sent", func() bool { return tx.Stats().Snapshot().Sent == 1 })
	cancel()
	awaitTask(t, done)

	// One flush after SYNC and one after the frame pair.
	if got := out.flushes.Load(); got != 2 {
		t.Errorf("flushes: got %d, want 2", got)
	}
	if b.Held() {
		t.Error("block still held after transmission")
	}
}

func TestTransmitter_WriteErrorStillReleases(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 3, 4, 3)
	for i := 0; i < 3; i++ {
		b, _ := p.Acquire()
		if err := q.TryEnqueue(queue.Descriptor{Block: b, Len: 4}); err != nil {
			t.Fatal(err)
		}
	}

	out := &failingWriter{}
	tx := pipeline.NewTransmitter(q, p, out, testOpts(t)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := runTask(ctx, tx.Run)
	waitFor(t, "queue drained", func() bool { return p.Free() == 3 && tx.State() == pipeline.StateWaitDescriptor })
	cancel()
	awaitTask(t, done)

	snap := tx.Stats().Snapshot()
	// SYNC plus one failed timestamp frame per block.
	if snap.WriteErrors != 4 || snap.Sent != 0 {
		t.Errorf("write errors=%d sent=%d, want 4/0", snap.WriteErrors, snap.Sent)
	}
	// Each frame is abandoned at its first failing byte.
	if got := out.writes.Load(); got != 4 {
		t.Errorf("byte writes: got %d, want 4", got)
	}
}

func TestTxState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state pipeline.TxState
		want  string
	}{
		{pipeline.StateWaitDescriptor, "WAIT_DESCRIPTOR"},
		{pipeline.StateEmitTimestamp, "EMIT_TIMESTAMP"},
		{pipeline.StateEmitPayload, "EMIT_PAYLOAD"},
		{pipeline.StateReleaseBuffer, "RELEASE_BUFFER"},
		{pipeline.TxState(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("TxState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// ─── pipeline ────────────────────────────────────────────────────────────────

func TestPipeline_DeviceNotReadyIsFatal(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 2, 4, 2)
	dev := &mock.Device{NotReady: true}
	pl, err := pipeline.New(dev, &syncBuffer{}, pipeline.Config{Stream: streamConfig(p, 4), Queue: q}, testOpts(t)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := pl.Run(context.Background()); !errors.Is(err, capture.ErrNotReady) {
		t.Fatalf("Run: got %v, want ErrNotReady", err)
	}
	if dev.CallCountConfigure != 0 || dev.CallCountStart != 0 || dev.CallCountRead != 0 {
		t.Errorf("device touched after not-ready: configure=%d start=%d read=%d",
			dev.CallCountConfigure, dev.CallCountStart, dev.CallCountRead)
	}
}

func TestPipeline_ConfigureAndStartErrors(t *testing.T) {
	t.Parallel()

	errConfig := errors.New("bad clock divider")
	errStart := errors.New("dma busy")
	tests := []struct {
		name      string
		dev       *mock.Device
		want      error
		wantStart int
	}{
		{"configure", &mock.Device{ConfigureError: errConfig}, errConfig, 0},
		{"start", &mock.Device{StartError: errStart}, errStart, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, q := newPoolQueue(t, 2, 4, 2)
			pl, err := pipeline.New(tc.dev, &syncBuffer{}, pipeline.Config{Stream: streamConfig(p, 4), Queue: q}, testOpts(t)...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := pl.Run(context.Background()); !errors.Is(err, tc.want) {
				t.Fatalf("Run: got %v, want %v", err, tc.want)
			}
			if tc.dev.CallCountStart != tc.wantStart || tc.dev.CallCountRead != 0 {
				t.Errorf("start=%d read=%d, want %d/0", tc.dev.CallCountStart, tc.dev.CallCountRead, tc.wantStart)
			}
		})
	}
}

func TestPipeline_NewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 2, 4, 2)
	good := pipeline.Config{Stream: streamConfig(p, 4), Queue: q}
	if _, err := pipeline.New(nil, &syncBuffer{}, good); err == nil {
		t.Error("nil device accepted")
	}
	if _, err := pipeline.New(&mock.Device{}, nil, good); err == nil {
		t.Error("nil output accepted")
	}
	if _, err := pipeline.New(&mock.Device{}, &syncBuffer{}, pipeline.Config{Stream: good.Stream}); err == nil {
		t.Error("nil queue accepted")
	}
	bad := good
	bad.Stream.BlockSize = 8 // larger than the pool's blocks
	if _, err := pipeline.New(&mock.Device{}, &syncBuffer{}, bad); err == nil {
		t.Error("oversized block accepted")
	}
}

// Every block that is not dropped appears on the wire exactly once, as a
// timestamp/PCM pair, in capture order.
func TestPipeline_PreservesOrderEndToEnd(t *testing.T) {
	t.Parallel()

	const n = 40
	rng := rand.New(rand.NewPCG(7, 11))
	var script []mock.Step
	var payloads [][]byte
	for i := 0; i < n; i++ {
		data := make([]byte, 2*(1+rng.IntN(8)))
		for j := range data {
			data[j] = byte(rng.Uint32())
		}
		script = append(script, mock.Step{Data: data})
		payloads = append(payloads, data)
	}

	// Enough blocks and slots that nothing is dropped.
	p, q := newPoolQueue(t, n, 16, n)
	dev := &mock.Device{Script: script}
	var ticks atomic.Uint32
	clock := pipeline.ClockFunc(func() uint32 { return ticks.Add(20) })

	out := &syncBuffer{}
	pl, err := pipeline.New(dev, out, pipeline.Config{Stream: streamConfig(p, 16), Queue: q},
		testOpts(t, pipeline.WithClock(clock))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runTask(ctx, pl.Run)
	waitFor(t, "all blocks sent", func() bool { return pl.Stats().Snapshot().Sent == n })
	if !pl.Running() {
		t.Error("Running() = false while tasks are active")
	}
	cancel()
	awaitTask(t, done)

	if pl.Running() {
		t.Error("Running() = true after Run returned")
	}
	if dev.CallCountStop != 1 {
		t.Errorf("Stop calls: got %d, want 1", dev.CallCountStop)
	}
	if p.Free() != p.Count() {
		t.Errorf("free blocks: got %d, want %d", p.Free(), p.Count())
	}

	frames := decodeAll(t, out.Bytes())
	if len(frames) != 1+2*n {
		t.Fatalf("frames: got %d, want %d", len(frames), 1+2*n)
	}
	if frames[0].Tag != tlv.TagSync || !bytes.Equal(frames[0].Value, tlv.SyncMarker) {
		t.Fatalf("first frame is not SYNC: %v", frames[0].Tag)
	}
	var last uint32
	for i := 0; i < n; i++ {
		ts, pcm := frames[1+2*i], frames[2+2*i]
		ms, err := ts.Timestamp()
		if err != nil {
			t.Fatalf("pair %d: timestamp frame: %v", i, err)
		}
		if ms <= last {
			t.Errorf("pair %d: timestamp %d not after %d", i, ms, last)
		}
		last = ms
		if pcm.Tag != tlv.TagPCM || !bytes.Equal(pcm.Value, payloads[i]) {
			t.Errorf("pair %d: PCM payload out of order", i)
		}
	}
}

// A stalled output channel backs the queue up, and the source falls back to
// dropping instead of waiting.
func TestPipeline_StalledChannelDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	var script []mock.Step
	for i := byte(1); i <= 6; i++ {
		script = append(script, mock.Step{Data: block(i, 4)})
	}
	p, q := newPoolQueue(t, 4, 4, 2)
	dev := &mock.Device{Script: script}
	out := newGatedWriter()
	defer out.Open()

	pl, err := pipeline.New(dev, out, pipeline.Config{Stream: streamConfig(p, 4), Queue: q}, testOpts(t)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runTask(ctx, pl.Run)

	// The transmitter is stuck on the SYNC frame and never dequeues.
	waitClosed(t, "device script", dev.Exhausted())
	if snap := pl.Stats().Snapshot(); snap.Captured != 6 || snap.Dropped != 4 {
		t.Fatalf("captured=%d dropped=%d, want 6/4", snap.Captured, snap.Dropped)
	}

	out.Open()
	waitFor(t, "queued blocks sent", func() bool { return pl.Stats().Snapshot().Sent == 2 })
	cancel()
	awaitTask(t, done)

	frames := decodeAll(t, out.Bytes())
	if len(frames) != 5 {
		t.Fatalf("frames: got %d, want 5", len(frames))
	}
	if !bytes.Equal(frames[2].Value, block(1, 4)) || !bytes.Equal(frames[4].Value, block(2, 4)) {
		t.Error("wire does not carry the two oldest blocks")
	}
}

func TestPipeline_CancelReturnsWhileChannelStalled(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 4, 4, 2)
	dev := &mock.Device{Script: []mock.Step{{Data: block(1, 4)}, {Data: block(2, 4)}}}
	out := newGatedWriter()
	defer out.Open()

	pl, err := pipeline.New(dev, out, pipeline.Config{Stream: streamConfig(p, 4), Queue: q}, testOpts(t)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := runTask(ctx, pl.Run)

	waitClosed(t, "device script", dev.Exhausted())
	cancel()
	awaitTask(t, done)
	if dev.CallCountStop != 1 {
		t.Errorf("Stop calls = %d, want 1", dev.CallCountStop)
	}
	if q.Len() != 0 {
		t.Errorf("queue holds %d blocks after Run returned", q.Len())
	}
}

func TestPipeline_CancelClosesStalledChannel(t *testing.T) {
	t.Parallel()

	p, q := newPoolQueue(t, 4, 4, 2)
	dev := &mock.Device{Script: []mock.Step{{Data: block(1, 4)}, {Data: block(2, 4)}}}
	// SYNC gets through, the first frame pair stalls.
	out := newClosableWriter(len(tlv.SyncMarker) + tlv.HeaderSize)

	pl, err := pipeline.New(dev, out, pipeline.Config{Stream: streamConfig(p, 4), Queue: q}, testOpts(t)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := runTask(ctx, pl.Run)

	waitFor(t, "transmitter stalled on a block", func() bool {
		return pl.TxState() == pipeline.StateEmitTimestamp
	})
	cancel()
	awaitTask(t, done)

	select {
	case <-out.closed:
	default:
		t.Error("output channel not closed on cancel")
	}
	if p.Free() != p.Count() {
		t.Errorf("pool free = %d, want %d", p.Free(), p.Count())
	}
	if snap := pl.Stats().Snapshot(); snap.WriteErrors != 1 || snap.Sent != 0 {
		t.Errorf("write errors/sent = %d/%d, want 1/0", snap.WriteErrors, snap.Sent)
	}
}
