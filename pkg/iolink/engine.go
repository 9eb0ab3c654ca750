package iolink

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// xferState tracks one exchange. Only the event and callback paths move
// Waiting to a terminal state, and only the first of them does.
type xferState int

const (
	xferInactive xferState = iota
	xferWaiting
	xferComplete
	xferFault
)

// Engine tuning defaults.
const (
	// DefaultTimeout bounds one exchange end to end.
	DefaultTimeout = 10 * time.Millisecond
	// DefaultBitRate is the line speed of the IO link.
	DefaultBitRate = 1500000

	minSettle = 100 * time.Microsecond
)

// Engine performs single-outstanding request/reply exchanges over an IO
// link device. One exchange is in flight at a time; callers needing
// concurrency serialize above the engine.
type Engine struct {
	// Timeout bounds one exchange from transmit start to reply completion.
	Timeout time.Duration
	// BitRate is the line speed, used to derive character timing.
	BitRate int
	// Stats receives per-exchange accounting. Never nil after New.
	Stats *Counters

	dev   Device
	line  Line
	txDMA DMAChannel
	rxDMA DMAChannel
	cache CacheOps

	buf    []byte // frame area of the packet buffer
	region []byte // cache maintenance region backing buf

	lock   sync.Mutex
	state  xferState
	doneCh chan struct{}
	opened bool
}

// New creates an engine over dev with default tuning.
func New(dev Device) *Engine {
	storage := make([]byte, AlignCache(MaxFrameSize))
	return &Engine{
		Timeout: DefaultTimeout,
		BitRate: DefaultBitRate,
		Stats:   &Counters{},
		dev:     dev,
		buf:     storage[:MaxFrameSize],
		region:  storage,
		doneCh:  make(chan struct{}, 1),
	}
}

// Init acquires the device, binds the line event handler and leaves the
// line clean.
func (e *Engine) Init() error {
	if e.opened {
		return nil
	}
	if err := e.dev.Init(e.serviceLine); err != nil {
		return err
	}
	e.line = e.dev.Line()
	e.txDMA = e.dev.TXDMA()
	e.rxDMA = e.dev.RXDMA()
	e.cache = e.dev.Cache()
	e.state = xferInactive
	e.opened = true
	if e.line.Status()&StatusRXReady != 0 {
		e.line.DrainRX()
	}
	e.line.Clear(StatusSticky)
	glog.V(2).Infof("io link up, bit rate %d", e.BitRate)
	return nil
}

// Close quiesces any outstanding exchange and releases the device.
func (e *Engine) Close() error {
	if !e.opened {
		return nil
	}
	e.lock.Lock()
	if e.state == xferWaiting {
		// release a blocked Exchange before the device goes away
		e.abortDMALocked()
		e.completeLocked(xferFault)
	}
	e.opened = false
	e.lock.Unlock()
	glog.V(2).Info("io link closed")
	return e.dev.Close()
}

// Exchange transmits p and blocks until a complete reply is decoded back
// into p, a fault ends the transfer, or the deadline expires. p is
// updated only on success. After ErrTimeout the link is already quiesced
// and the next call may proceed immediately.
func (e *Engine) Exchange(p *Packet) error {
	if !e.opened {
		return ErrClosed
	}
	e.Stats.Transactions.Add(1)
	start := time.Now()
	err := e.exchange(p)
	e.Stats.ExchangeTime.Add(time.Since(start))
	return err
}

func (e *Engine) exchange(p *Packet) error {
	defer func() {
		e.lock.Lock()
		e.state = xferInactive
		e.lock.Unlock()
	}()

	size := p.MarshalTo(e.buf)

	// discard anything the line latched since the last exchange
	ls := e.line.Status()
	if ls&StatusRXReady != 0 {
		e.line.DrainRX()
	}
	e.line.Clear(ls & StatusSticky)

	e.lock.Lock()
	select {
	// consume a completion token left over from an aborted exchange
	case <-e.doneCh:
	default:
	}
	e.state = xferWaiting
	e.lock.Unlock()

	// arm receive before transmit so the reply has somewhere to land
	if err := e.rxDMA.Setup(DMAConfig{Dir: DMALineToMem, Buf: e.buf}); err != nil {
		return err
	}
	e.line.SetRXDMA(true)
	e.rxDMA.Start(e.rxComplete)

	e.cache.Clean(e.region)

	if err := e.txDMA.Setup(DMAConfig{Dir: DMAMemToLine, Buf: e.buf[:size]}); err != nil {
		e.lock.Lock()
		e.abortDMALocked()
		e.lock.Unlock()
		return err
	}
	e.line.SetTXDMA(true)
	e.txDMA.Start(nil)

	st, timedOut := e.wait()
	if timedOut {
		e.Stats.Timeouts.Add(1)
		// let the peer's half-sent reply die on the wire before the next
		// exchange starts
		time.Sleep(e.settleTime())
		return ErrTimeout
	}
	if st != xferComplete {
		e.Stats.DMAErrors.Add(1)
		return ErrTransfer
	}

	// the reply landed by DMA; pick it up through the cache
	e.cache.Invalidate(e.region)
	if !VerifyFrame(e.buf) || FrameCode(e.buf) == RespCorrupt {
		e.Stats.CRCErrors.Add(1)
		return ErrCRC
	}
	return p.UnmarshalFrom(e.buf)
}

// wait blocks for the completion signal or the deadline, whichever comes
// first. A wakeup that still observes Waiting is stale and is ignored; a
// deadline that observes a terminal state yields to the completion.
func (e *Engine) wait() (xferState, bool) {
	timer := time.NewTimer(e.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-e.doneCh:
			e.lock.Lock()
			st := e.state
			e.lock.Unlock()
			if st == xferWaiting {
				continue
			}
			return st, false
		case <-timer.C:
			e.lock.Lock()
			if e.state != xferWaiting {
				st := e.state
				e.lock.Unlock()
				select {
				case <-e.doneCh:
				default:
				}
				return st, false
			}
			e.abortDMALocked()
			e.state = xferInactive
			e.lock.Unlock()
			return xferInactive, true
		}
	}
}

// rxComplete is the receive DMA completion callback. Runs on the device's
// event context.
func (e *Engine) rxComplete(st DMAStatus) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.state != xferWaiting {
		return
	}
	if st == DMAComplete {
		// a byte beyond the frame, or an overrun, means the frame boundary
		// was lost even though the transfer filled the buffer
		if s := e.line.Status(); s&(StatusOverrun|StatusRXReady) != 0 {
			e.line.DrainRX()
			e.line.Clear(s & StatusSticky)
			st = DMAError
		}
	}
	if st == DMAError {
		e.completeLocked(xferFault)
		return
	}
	e.completeLocked(xferComplete)
}

// serviceLine handles line events. Runs on the device's event context;
// it never blocks and never logs.
func (e *Engine) serviceLine() {
	st := e.line.Status()
	if st&StatusRXReady != 0 {
		e.line.DrainRX()
	}
	e.line.Clear(st & StatusSticky)

	if st&StatusLineErrors != 0 {
		e.lock.Lock()
		if e.state == xferWaiting {
			e.abortDMALocked()
			e.Stats.LineErrors.Add(1)
			e.completeLocked(xferFault)
		}
		e.lock.Unlock()
		// a fault outranks idle; if the line stays quiet the idle
		// condition latches again on its own
		return
	}

	if st&StatusIdle != 0 {
		e.lock.Lock()
		if e.state == xferWaiting {
			e.cache.Invalidate(e.region)
			got := len(e.buf) - e.rxDMA.Residual()
			if got < 1 || got < FrameSize(e.buf) {
				e.Stats.BadIdles.Add(1)
				e.rxDMA.Stop()
				e.completeLocked(xferFault)
			} else {
				e.Stats.Idles.Add(1)
				e.rxDMA.Stop()
				e.completeLocked(xferComplete)
			}
		}
		e.lock.Unlock()
	}
}

// completeLocked moves a waiting exchange to its terminal state, shuts
// both transfer directions and posts the completion signal. Callers hold
// e.lock and have checked the state is Waiting.
func (e *Engine) completeLocked(st xferState) {
	e.state = st
	e.line.SetRXDMA(false)
	e.line.SetTXDMA(false)
	e.txDMA.Stop()
	e.rxDMA.Stop()
	select {
	case e.doneCh <- struct{}{}:
	default:
	}
}

// abortDMALocked force-stops both directions and scrubs the line so the
// next exchange starts clean. Callers hold e.lock.
func (e *Engine) abortDMALocked() {
	e.line.SetRXDMA(false)
	e.line.SetTXDMA(false)
	e.txDMA.Stop()
	e.rxDMA.Stop()
	if e.line.Status()&StatusRXReady != 0 {
		e.line.DrainRX()
	}
	e.line.Clear(StatusSticky)
}

// SendPolled transmits raw bytes by polling the line with DMA shut off.
// It is a bring-up diagnostic: it holds the caller for the full wire time
// and must not run while an exchange is in flight.
func (e *Engine) SendPolled(p []byte) error {
	if !e.opened {
		return ErrClosed
	}
	e.lock.Lock()
	e.abortDMALocked()
	e.lock.Unlock()
	for _, b := range p {
		for !e.line.TXEmpty() {
			time.Sleep(e.charTime())
		}
		e.line.LoadTX(b)
	}
	return nil
}

// settleTime is how long a timed-out exchange lets the line drain, at
// least one character time.
func (e *Engine) settleTime() time.Duration {
	if ct := e.charTime(); ct > minSettle {
		return ct
	}
	return minSettle
}

// charTime is the wire time of one character: start bit, eight data bits,
// stop bit.
func (e *Engine) charTime() time.Duration {
	br := e.BitRate
	if br <= 0 {
		br = DefaultBitRate
	}
	return time.Duration(10 * uint64(time.Second) / uint64(br))
}
