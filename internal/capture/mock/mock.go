// Package mock provides a scripted implementation of [capture.Device] for
// unit tests.
//
// The device replays a fixed list of [Step] values, one per Read call. Data
// steps check a block out of the configured pool (so pool exhaustion surfaces
// exactly as it would on hardware); error steps return their error. Once the
// script is exhausted Read blocks until its context ends and
// [Device.Exhausted] is closed.
//
// Typical usage:
//
//	dev := &mock.Device{Script: []mock.Step{
//	    {Data: []byte{1, 2, 3, 4}},
//	    {Err: capture.ErrTimeout},
//	}}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/pdmlink/internal/capture"
	"github.com/MrWong99/pdmlink/internal/pool"
)

// Compile-time interface assertion.
var _ capture.Device = (*Device)(nil)

// Step is one scripted Read result.
type Step struct {
	// Data is copied into a freshly acquired block when Err is nil.
	Data []byte

	// Err is returned from Read instead of a block.
	Err error
}

// Device is a mock [capture.Device]. Set the exported fields before use;
// inspect the CallCount* fields and Config afterwards.
type Device struct {
	mu sync.Mutex

	// NotReady makes Ready report false.
	NotReady bool

	// ConfigureError is returned by Configure.
	ConfigureError error

	// StartError is returned by Start.
	StartError error

	// Script lists the results of consecutive Read calls.
	Script []Step

	// Config holds the last configuration passed to Configure.
	Config capture.StreamConfig

	CallCountConfigure int
	CallCountStart     int
	CallCountStop      int
	CallCountRead      int

	pos       int
	exhausted chan struct{}
	closeOnce sync.Once
}

func (d *Device) exhaustedCh() chan struct{} {
	if d.exhausted == nil {
		d.exhausted = make(chan struct{})
	}
	return d.exhausted
}

// Exhausted is closed once every scripted step has been returned and Read
// has been called again.
func (d *Device) Exhausted() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exhaustedCh()
}

// Ready implements [capture.Device].
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.NotReady
}

// Configure implements [capture.Device]. The config is recorded even when
// ConfigureError is set.
func (d *Device) Configure(cfg capture.StreamConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountConfigure++
	d.Config = cfg
	return d.ConfigureError
}

// Start implements [capture.Device].
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	return d.StartError
}

// Stop implements [capture.Device].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	return nil
}

// Read implements [capture.Device]. The timeout is ignored.
func (d *Device) Read(ctx context.Context, _ time.Duration) (*pool.Block, int, error) {
	d.mu.Lock()
	d.CallCountRead++
	if d.pos >= len(d.Script) {
		done := d.exhaustedCh()
		d.closeOnce.Do(func() { close(done) })
		d.mu.Unlock()
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	step := d.Script[d.pos]
	d.pos++
	p := d.Config.Pool
	d.mu.Unlock()

	if step.Err != nil {
		return nil, 0, step.Err
	}
	b, err := p.Acquire()
	if err != nil {
		return nil, 0, err
	}
	n := copy(b.Bytes(), step.Data)
	return b, n, nil
}
