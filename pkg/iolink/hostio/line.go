package hostio

import (
	"sync"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/wire"
)

// line emulates the status and data register surface of a half-duplex
// serial line over a Wire.
type line struct {
	w wire.Wire

	lock   sync.Mutex
	status iolink.LineStatus
	rdr    byte
	rxGate bool
	txGate bool
}

func (l *line) Status() iolink.LineStatus {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.status | iolink.StatusTXEmpty
}

func (l *line) Clear(st iolink.LineStatus) {
	l.lock.Lock()
	l.status &^= st & iolink.StatusSticky
	l.lock.Unlock()
}

func (l *line) DrainRX() {
	l.lock.Lock()
	l.rdr = 0
	l.status &^= iolink.StatusRXReady
	l.lock.Unlock()
}

func (l *line) SetRXDMA(on bool) {
	l.lock.Lock()
	l.rxGate = on
	l.lock.Unlock()
}

func (l *line) SetTXDMA(on bool) {
	l.lock.Lock()
	l.txGate = on
	l.lock.Unlock()
}

// TXEmpty always holds: host wire writes complete without a holding
// register worth modeling.
func (l *line) TXEmpty() bool { return true }

func (l *line) LoadTX(b byte) {
	l.w.Write([]byte{b})
}

// receive latches b into the data register, reporting an overrun when a
// byte is already held.
func (l *line) receive(b byte) (overrun bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.status&iolink.StatusRXReady != 0 {
		l.status |= iolink.StatusOverrun
		return true
	}
	l.rdr = b
	l.status |= iolink.StatusRXReady
	return false
}

func (l *line) raise(st iolink.LineStatus) {
	l.lock.Lock()
	l.status |= st
	l.lock.Unlock()
}

func (l *line) rxGated() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.rxGate
}
