package iosim

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/render-se/PX4-Autopilot/pkg/framework"
	"github.com/render-se/PX4-Autopilot/pkg/iolink"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/wire"
	"github.com/render-se/PX4-Autopilot/pkg/ioreg"
)

// gapTimeout bounds the wait for the rest of a frame once its first
// bytes arrived, so a stalled sender cannot wedge the serve loop.
const gapTimeout = 20 * time.Millisecond

// Coproc emulates the register file and framing behavior of the IO
// co-processor on one end of a wire. It answers read and write request
// frames and can inject delivery faults for testing the host side.
type Coproc struct {
	wire wire.Wire

	regLock sync.Mutex
	pages   map[byte][]uint16
	rdonly  map[byte]bool

	faults faults
}

// NewCoproc creates a co-processor bound to its end of the wire.
func NewCoproc(w wire.Wire) *Coproc {
	s := &Coproc{wire: w}
	s.pages = map[byte][]uint16{
		ioreg.PageConfig: {ioreg.ProtocolVersion, iolink.MaxRegs},
		ioreg.PageStatus: make([]uint16, 3),
		ioreg.PageTest:   make([]uint16, 1),
	}
	s.rdonly = map[byte]bool{
		ioreg.PageConfig: true,
		ioreg.PageStatus: true,
	}
	return s
}

// Name returns the component name.
func (s *Coproc) Name() string {
	return "iosim"
}

// Run serves request frames until the context is canceled or the wire dies.
func (s *Coproc) Run(ctx context.Context) error {
	return framework.RunWithContextCloser(ctx, s.wire, s.serve)
}

func (s *Coproc) serve() error {
	var buf [iolink.MaxFrameSize]byte
	for {
		n, err := s.fill(buf[:])
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		glog.V(4).Infof("iosim: frame in (%d bytes)", n)
		s.handle(buf[:n])
	}
}

// fill assembles one request frame: the first bytes are awaited without a
// deadline, the remainder with the inter-byte gap timeout. A frame cut off
// by the gap is returned short and left to the CRC check.
func (s *Coproc) fill(buf []byte) (int, error) {
	if err := s.wire.SetReadTimeout(0); err != nil {
		return 0, err
	}
	have, err := s.wire.Read(buf)
	if err != nil || have == 0 {
		return have, err
	}
	if err := s.wire.SetReadTimeout(gapTimeout); err != nil {
		return have, err
	}
	for have < iolink.HeaderSize {
		n, err := s.wire.Read(buf[have:])
		if err != nil || n == 0 {
			return have, err
		}
		have += n
	}
	size := iolink.FrameSize(buf)
	if size > len(buf) {
		return have, nil
	}
	for have < size {
		n, err := s.wire.Read(buf[have:size])
		if err != nil || n == 0 {
			return have, err
		}
		have += n
	}
	return have, nil
}

func (s *Coproc) handle(frame []byte) {
	s.bumpStatus(ioreg.RegStatusHeartbeat)
	if len(frame) < iolink.HeaderSize {
		glog.V(4).Infof("iosim: runt frame (%d bytes)", len(frame))
		s.bumpStatus(ioreg.RegStatusCRCErrors)
		s.sendReply(&iolink.Packet{CountCode: iolink.RespCorrupt})
		return
	}
	var p iolink.Packet
	if size := iolink.FrameSize(frame); size > len(frame) || !iolink.VerifyFrame(frame) {
		glog.V(4).Infof("iosim: bad crc or framing, declared %d got %d", size, len(frame))
		s.bumpStatus(ioreg.RegStatusCRCErrors)
		p.CountCode = iolink.RespCorrupt
		p.Page = frame[2]
		p.Offset = frame[3]
		s.sendReply(&p)
		return
	}
	if err := p.UnmarshalFrom(frame); err != nil {
		s.bumpStatus(ioreg.RegStatusCRCErrors)
		s.sendReply(&iolink.Packet{CountCode: iolink.RespCorrupt})
		return
	}
	s.bumpStatus(ioreg.RegStatusFrames)
	switch code := p.Code(); {
	case s.faults.takeForcedError():
		p.CountCode = iolink.RespError
	case code == iolink.ReqRead:
		s.doRead(&p)
	case code == iolink.ReqWrite:
		s.doWrite(&p)
	default:
		p.CountCode = iolink.RespError
	}
	s.sendReply(&p)
}

func (s *Coproc) doRead(p *iolink.Packet) {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	regs, ok := s.pages[p.Page]
	if !ok || int(p.Offset) >= len(regs) {
		p.CountCode = iolink.RespError
		return
	}
	n := p.Count()
	if avail := len(regs) - int(p.Offset); n > avail {
		n = avail
	}
	copy(p.Regs[:n], regs[p.Offset:int(p.Offset)+n])
	for i := n; i < iolink.MaxRegs; i++ {
		p.Regs[i] = 0
	}
	p.CountCode = iolink.RespSuccess | byte(n)
}

func (s *Coproc) doWrite(p *iolink.Packet) {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	regs, ok := s.pages[p.Page]
	if !ok || s.rdonly[p.Page] || int(p.Offset) >= len(regs) {
		p.CountCode = iolink.RespError
		return
	}
	n := p.Count()
	if avail := len(regs) - int(p.Offset); n > avail {
		n = avail
	}
	copy(regs[p.Offset:int(p.Offset)+n], p.Regs[:n])
	p.CountCode = iolink.RespSuccess
}

func (s *Coproc) sendReply(p *iolink.Packet) {
	delay, drop, corrupt, truncate := s.faults.takeDelivery()
	if delay > 0 {
		time.Sleep(delay)
	}
	if drop {
		glog.V(4).Infof("iosim: dropping reply for page %d offset %d", p.Page, p.Offset)
		return
	}
	var frame [iolink.MaxFrameSize]byte
	n := p.MarshalTo(frame[:])
	if corrupt {
		frame[1] ^= 0xff
	}
	if truncate {
		if n > iolink.HeaderSize {
			n = iolink.HeaderSize
		} else if n > 0 {
			n--
		}
	}
	if _, err := s.wire.Write(frame[:n]); err != nil {
		glog.V(2).Infof("iosim: reply write failed: %v", err)
	}
}

func (s *Coproc) bumpStatus(offset byte) {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	s.pages[ioreg.PageStatus][offset]++
}

// Register returns the current value of one register.
func (s *Coproc) Register(page, offset byte) (uint16, bool) {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	regs, ok := s.pages[page]
	if !ok || int(offset) >= len(regs) {
		return 0, false
	}
	return regs[offset], true
}

// SetRegister stores one register value directly, bypassing the
// read-only marking. It reports whether the register exists.
func (s *Coproc) SetRegister(page, offset byte, val uint16) bool {
	s.regLock.Lock()
	defer s.regLock.Unlock()
	regs, ok := s.pages[page]
	if !ok || int(offset) >= len(regs) {
		return false
	}
	regs[offset] = val
	return true
}

// DropReplies swallows the next n replies.
func (s *Coproc) DropReplies(n int) {
	s.faults.lock.Lock()
	defer s.faults.lock.Unlock()
	s.faults.drop = n
}

// CorruptReplies flips the CRC on the next n replies.
func (s *Coproc) CorruptReplies(n int) {
	s.faults.lock.Lock()
	defer s.faults.lock.Unlock()
	s.faults.corrupt = n
}

// TruncateReplies cuts the next n replies short of their declared size.
func (s *Coproc) TruncateReplies(n int) {
	s.faults.lock.Lock()
	defer s.faults.lock.Unlock()
	s.faults.truncate = n
}

// ForceErrors answers the next n valid requests with the error code.
func (s *Coproc) ForceErrors(n int) {
	s.faults.lock.Lock()
	defer s.faults.lock.Unlock()
	s.faults.errors = n
}

// SetReplyDelay delays every reply by d until cleared.
func (s *Coproc) SetReplyDelay(d time.Duration) {
	s.faults.lock.Lock()
	defer s.faults.lock.Unlock()
	s.faults.delay = d
}

// ClearFaults resets all injected fault state.
func (s *Coproc) ClearFaults() {
	s.faults.lock.Lock()
	defer s.faults.lock.Unlock()
	s.faults.drop = 0
	s.faults.corrupt = 0
	s.faults.truncate = 0
	s.faults.errors = 0
	s.faults.delay = 0
}

type faults struct {
	lock     sync.Mutex
	drop     int
	corrupt  int
	truncate int
	errors   int
	delay    time.Duration
}

func (f *faults) takeForcedError() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.errors > 0 {
		f.errors--
		return true
	}
	return false
}

func (f *faults) takeDelivery() (delay time.Duration, drop, corrupt, truncate bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	delay = f.delay
	if f.drop > 0 {
		f.drop--
		drop = true
		return
	}
	if f.corrupt > 0 {
		f.corrupt--
		corrupt = true
	}
	if f.truncate > 0 {
		f.truncate--
		truncate = true
	}
	return
}
