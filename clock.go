package lfs

import "sync/atomic"

// Clock supplies the monotonically increasing tick used to stamp SSB
// headers and SUT ages. The kernel's real tick counter is out of scope
// (spec.md §1); tests and tools inject a deterministic one instead.
type Clock interface {
	Now() uint32
}

// TickClock is a simple injectable counter: each call to Now advances it.
// Grounded on the same "inject instead of reading wall time" shape as
// jacobsa-fuse's clock.Clock used throughout GoogleCloudPlatform-gcsfuse
// for testable timestamps.
type TickClock struct {
	n uint32
}

func (c *TickClock) Now() uint32 {
	return atomic.AddUint32(&c.n, 1)
}

// NewTickClock returns a TickClock starting at 0 (first Now() returns 1).
func NewTickClock() *TickClock { return &TickClock{} }
