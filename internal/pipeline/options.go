package pipeline

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pdmlink/internal/observe"
	"github.com/MrWong99/pdmlink/internal/resilience"
)

// DefaultReadTimeout bounds a single device read.
const DefaultReadTimeout = 2 * time.Second

// settings is shared by [Source], [Transmitter] and [Pipeline].
type settings struct {
	log         *slog.Logger
	metrics     *observe.Metrics
	stats       *Stats
	clock       Clock
	readTimeout time.Duration
	breaker     *resilience.CircuitBreaker
}

// Option configures a [Source], [Transmitter] or [Pipeline].
type Option func(*settings)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithMetrics sets the OTel instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithStats shares a [Stats] between tasks. Default: a fresh Stats per
// constructor call ([New] shares one between both of its tasks).
func WithStats(st *Stats) Option {
	return func(s *settings) { s.stats = st }
}

// WithClock sets the timestamp source. Default: [NewBootClock].
func WithClock(c Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithReadTimeout bounds each device read. Default: [DefaultReadTimeout].
func WithReadTimeout(d time.Duration) Option {
	return func(s *settings) { s.readTimeout = d }
}

// WithDeviceBreaker guards device reads. After enough consecutive hard read
// failures the source stops reading until the breaker half-opens.
func WithDeviceBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *settings) { s.breaker = cb }
}

func newSettings(opts []Option) settings {
	s := settings{readTimeout: DefaultReadTimeout}
	for _, o := range opts {
		o(&s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.stats == nil {
		s.stats = NewStats(0)
	}
	if s.clock == nil {
		s.clock = NewBootClock()
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "capture",
			Logger: s.log,
		})
	}
	return s
}
