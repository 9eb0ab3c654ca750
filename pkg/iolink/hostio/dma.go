package hostio

import (
	"errors"
	"sync"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
)

var (
	errDMADirection = errors.New("transfer direction does not match channel")
	errDMAEmpty     = errors.New("empty transfer buffer")
)

// dmaChan emulates a one-shot DMA channel serving one direction of the
// line.
type dmaChan struct {
	dev *Device
	dir iolink.DMADir

	lock  sync.Mutex
	cfg   iolink.DMAConfig
	cb    iolink.DMACallback
	armed bool
	count int
}

func (c *dmaChan) Setup(cfg iolink.DMAConfig) error {
	if cfg.Dir != c.dir {
		return errDMADirection
	}
	if len(cfg.Buf) == 0 {
		return errDMAEmpty
	}
	c.lock.Lock()
	c.cfg = cfg
	c.count = 0
	c.armed = false
	c.lock.Unlock()
	return nil
}

func (c *dmaChan) Start(cb iolink.DMACallback) {
	c.lock.Lock()
	c.cb = cb
	c.count = 0
	c.armed = true
	cfg := c.cfg
	c.lock.Unlock()
	if c.dir == iolink.DMAMemToLine {
		go c.transmit(cfg, cb)
	}
}

func (c *dmaChan) Stop() {
	c.lock.Lock()
	c.armed = false
	c.lock.Unlock()
}

func (c *dmaChan) Residual() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.cfg.Buf) - c.count
}

// transmit publishes the shadow copy of the configured region to the
// wire, emulating a memory-to-line transfer.
func (c *dmaChan) transmit(cfg iolink.DMAConfig, cb iolink.DMACallback) {
	out := c.dev.cache.snapshot(cfg.Buf)
	status := iolink.DMAComplete
	if _, err := c.dev.wire.Write(out); err != nil {
		status = iolink.DMAError
	}
	c.lock.Lock()
	if c.armed {
		c.count = len(cfg.Buf)
		c.armed = false
	}
	c.lock.Unlock()
	if cb != nil {
		c.dev.post(func() { cb(status) })
	}
}

// feed offers an inbound byte to the channel. The byte is claimed when
// the channel is armed, the line gates receive requests through, and the
// transfer is not yet full. Runs on the device's event goroutine.
func (c *dmaChan) feed(b byte) bool {
	c.lock.Lock()
	if !c.armed || !c.dev.line.rxGated() || c.count >= len(c.cfg.Buf) {
		c.lock.Unlock()
		return false
	}
	c.dev.cache.write(c.cfg.Buf, c.count, b)
	c.count++
	full := c.count == len(c.cfg.Buf)
	cb := c.cb
	if full {
		c.armed = false
	}
	c.lock.Unlock()
	if full && cb != nil {
		cb(iolink.DMAComplete)
	}
	return true
}
