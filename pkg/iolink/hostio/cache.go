package hostio

import "sync"

// shadowCache models the incoherency between the CPU's cached view of a
// buffer and the memory DMA traffic lands in: transfers touch only the
// shadow copy, so skipped maintenance shows up as stale data.
type shadowCache struct {
	lock   sync.Mutex
	shadow map[*byte][]byte
}

func newShadowCache() *shadowCache {
	return &shadowCache{shadow: map[*byte][]byte{}}
}

func (c *shadowCache) region(p []byte) []byte {
	k := &p[0]
	r := c.shadow[k]
	if len(r) < len(p) {
		nr := make([]byte, len(p))
		copy(nr, r)
		c.shadow[k] = nr
		r = nr
	}
	return r
}

// Clean publishes CPU writes in p to the shadow.
func (c *shadowCache) Clean(p []byte) {
	if len(p) == 0 {
		return
	}
	c.lock.Lock()
	copy(c.region(p), p)
	c.lock.Unlock()
}

// Invalidate replaces p with the shadow content.
func (c *shadowCache) Invalidate(p []byte) {
	if len(p) == 0 {
		return
	}
	c.lock.Lock()
	copy(p, c.region(p)[:len(p)])
	c.lock.Unlock()
}

// write stores one byte the way an inbound transfer would.
func (c *shadowCache) write(p []byte, off int, b byte) {
	c.lock.Lock()
	c.region(p)[off] = b
	c.lock.Unlock()
}

// snapshot copies the memory an outbound transfer would read.
func (c *shadowCache) snapshot(p []byte) []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]byte, len(p))
	copy(out, c.region(p)[:len(p)])
	return out
}
