package clock

import "sync/atomic"

// Clock hands out strictly increasing timestamps. Each engine instance owns
// exactly one, so two entries of one store can never carry the same timestamp.
type Clock struct {
	atomic.Uint64
}

func New(init uint64) *Clock {
	var c Clock
	c.Store(init)
	return &c
}

func (c *Clock) Next() uint64 {
	return c.Add(1)
}

// Observe advances the clock so that the next timestamp is greater than t.
// Used while replaying persisted entries at startup.
func (c *Clock) Observe(t uint64) {
	for {
		cur := c.Load()
		if t <= cur {
			return
		}
		if c.CompareAndSwap(cur, t) {
			return
		}
	}
}
