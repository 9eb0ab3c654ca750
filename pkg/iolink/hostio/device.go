package hostio

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/wire"
)

// Config tunes a host link device.
type Config struct {
	// BitRate is the emulated line speed, driving idle detection timing.
	BitRate int
	// CharTime overrides the derived one-character time. Host scheduling
	// floors the effective value at one millisecond either way.
	CharTime time.Duration
}

const minCharTime = time.Millisecond

// Device adapts a byte Wire into the line, DMA and cache collaborators an
// exchange engine drives. One goroutine owns all wire reads and stands in
// for interrupt context: every event handler and DMA callback runs on it,
// serialized.
type Device struct {
	wire  wire.Wire
	cfg   Config
	line  *line
	tx    *dmaChan
	rx    *dmaChan
	cache *shadowCache

	handler  func()
	charTime time.Duration

	evCh   chan func()
	stopCh chan struct{}
	done   sync.WaitGroup
	opened bool
}

// NewDevice creates a device over w.
func NewDevice(w wire.Wire, cfg Config) *Device {
	d := &Device{
		wire:   w,
		cfg:    cfg,
		cache:  newShadowCache(),
		evCh:   make(chan func(), 16),
		stopCh: make(chan struct{}),
	}
	d.line = &line{w: w}
	d.tx = &dmaChan{dev: d, dir: iolink.DMAMemToLine}
	d.rx = &dmaChan{dev: d, dir: iolink.DMALineToMem}
	return d
}

// Init binds the event handler and starts the receive service goroutine.
func (d *Device) Init(fn func()) error {
	if d.opened {
		return nil
	}
	d.handler = fn
	d.charTime = d.cfg.CharTime
	if d.charTime == 0 {
		br := d.cfg.BitRate
		if br <= 0 {
			br = iolink.DefaultBitRate
		}
		d.charTime = time.Duration(10 * uint64(time.Second) / uint64(br))
	}
	if d.charTime < minCharTime {
		d.charTime = minCharTime
	}
	if err := d.wire.SetReadTimeout(d.charTime); err != nil {
		return err
	}
	d.opened = true
	d.done.Add(1)
	go d.service()
	return nil
}

// Close stops the service goroutine and closes the wire.
func (d *Device) Close() error {
	if !d.opened {
		return nil
	}
	d.opened = false
	close(d.stopCh)
	err := d.wire.Close()
	d.done.Wait()
	return err
}

func (d *Device) Line() iolink.Line        { return d.line }
func (d *Device) TXDMA() iolink.DMAChannel { return d.tx }
func (d *Device) RXDMA() iolink.DMAChannel { return d.rx }
func (d *Device) Cache() iolink.CacheOps   { return d.cache }

// InjectFault latches fault flags and delivers a line event through the
// normal event context. A bring-up and testing hook.
func (d *Device) InjectFault(st iolink.LineStatus) {
	d.post(func() {
		d.line.raise(st)
		d.fire()
	})
}

// post queues fn onto the event goroutine.
func (d *Device) post(fn func()) {
	select {
	case d.evCh <- fn:
	case <-d.stopCh:
	}
}

func (d *Device) fire() {
	if d.handler != nil {
		d.handler()
	}
}

// service is the event goroutine: it routes inbound bytes into the armed
// receive transfer or the line's data register, detects the idle gap
// after traffic, and runs queued events.
func (d *Device) service() {
	defer d.done.Done()
	buf := make([]byte, 64)
	sawTraffic := false
	for {
		select {
		case <-d.stopCh:
			return
		case fn := <-d.evCh:
			fn()
			continue
		default:
		}
		n, err := d.wire.Read(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			glog.V(2).Infof("link wire read failed: %v", err)
			d.line.raise(iolink.StatusFraming)
			d.fire()
			d.pumpEvents()
			return
		}
		if n == 0 {
			// one quiet character time after traffic raises idle
			if sawTraffic {
				sawTraffic = false
				d.line.raise(iolink.StatusIdle)
				d.fire()
			}
			continue
		}
		sawTraffic = true
		for _, b := range buf[:n] {
			if d.rx.feed(b) {
				continue
			}
			if d.line.receive(b) {
				d.fire()
			}
		}
	}
}

// pumpEvents keeps delivering queued events after the wire is gone so
// fault injection and transmit callbacks stay ordered until Close.
func (d *Device) pumpEvents() {
	for {
		select {
		case <-d.stopCh:
			return
		case fn := <-d.evCh:
			fn()
		}
	}
}
