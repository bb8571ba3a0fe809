package lfs

// Option configures an Engine at construction time via the functional
// options pattern.
type Option func(*Engine)

// WithClock overrides the default tick clock, mainly for deterministic
// tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics attaches a prometheus-backed Metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}
