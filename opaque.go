package binmemcache

import "sync/atomic"

const opaqueMask = 0x7fffffff

// opaqueCounter hands out correlation tokens. One counter is shared by every
// request of a client, across all servers and connections.
type opaqueCounter struct {
	v atomic.Uint32
}

// next returns the following token, wrapping within 31 bits.
func (c *opaqueCounter) next() uint32 {
	for {
		cur := c.v.Load()
		n := (cur + 1) & opaqueMask
		if c.v.CompareAndSwap(cur, n) {
			return n
		}
	}
}
