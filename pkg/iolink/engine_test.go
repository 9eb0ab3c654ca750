package iolink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWait = 500 * time.Millisecond

type fakeLine struct {
	lock    sync.Mutex
	status  LineStatus
	rxGate  bool
	txGate  bool
	drains  int
	txBytes []byte
}

func (l *fakeLine) Status() LineStatus {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.status
}

func (l *fakeLine) Clear(st LineStatus) {
	l.lock.Lock()
	l.status &^= st & StatusSticky
	l.lock.Unlock()
}

func (l *fakeLine) DrainRX() {
	l.lock.Lock()
	l.drains++
	l.status &^= StatusRXReady
	l.lock.Unlock()
}

func (l *fakeLine) SetRXDMA(on bool) {
	l.lock.Lock()
	l.rxGate = on
	l.lock.Unlock()
}

func (l *fakeLine) SetTXDMA(on bool) {
	l.lock.Lock()
	l.txGate = on
	l.lock.Unlock()
}

func (l *fakeLine) TXEmpty() bool { return true }

func (l *fakeLine) LoadTX(b byte) {
	l.lock.Lock()
	l.txBytes = append(l.txBytes, b)
	l.lock.Unlock()
}

func (l *fakeLine) raise(st LineStatus) {
	l.lock.Lock()
	l.status |= st
	l.lock.Unlock()
}

func (l *fakeLine) gates() (rx, tx bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.rxGate, l.txGate
}

func (l *fakeLine) drainCount() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.drains
}

func (l *fakeLine) polled() []byte {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]byte(nil), l.txBytes...)
}

type fakeDMA struct {
	lock     sync.Mutex
	cfg      DMAConfig
	cb       DMACallback
	running  bool
	stops    int
	residual int
	startCh  chan DMAConfig
	onStart  func(*fakeDMA)
}

func newFakeDMA() *fakeDMA {
	return &fakeDMA{startCh: make(chan DMAConfig, 4)}
}

func (c *fakeDMA) Setup(cfg DMAConfig) error {
	c.lock.Lock()
	c.cfg = cfg
	c.residual = len(cfg.Buf)
	c.lock.Unlock()
	return nil
}

func (c *fakeDMA) Start(cb DMACallback) {
	c.lock.Lock()
	c.cb = cb
	c.running = true
	cfg := c.cfg
	onStart := c.onStart
	c.lock.Unlock()
	c.startCh <- cfg
	if onStart != nil {
		onStart(c)
	}
}

func (c *fakeDMA) Stop() {
	c.lock.Lock()
	c.stops++
	c.running = false
	c.lock.Unlock()
}

func (c *fakeDMA) Residual() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.residual
}

func (c *fakeDMA) setResidual(n int) {
	c.lock.Lock()
	c.residual = n
	c.lock.Unlock()
}

func (c *fakeDMA) isRunning() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.running
}

func (c *fakeDMA) callback() DMACallback {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cb
}

func (c *fakeDMA) buffer() []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cfg.Buf
}

// fakeCache models actual cache incoherency: DMA traffic touches only the
// shadow copy, so a skipped Clean or Invalidate leaves stale data behind.
type fakeCache struct {
	lock   sync.Mutex
	shadow map[*byte][]byte
	cleans int
	invals int
}

func newFakeCache() *fakeCache {
	return &fakeCache{shadow: map[*byte][]byte{}}
}

func (c *fakeCache) region(p []byte) []byte {
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

func (c *fakeCache) Clean(p []byte) {
	c.lock.Lock()
	copy(c.region(p), p)
	c.cleans++
	c.lock.Unlock()
}

func (c *fakeCache) Invalidate(p []byte) {
	c.lock.Lock()
	copy(p, c.region(p)[:len(p)])
	c.invals++
	c.lock.Unlock()
}

// mem exposes the memory a DMA transfer would touch for p.
func (c *fakeCache) mem(p []byte) []byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.region(p)[:len(p)]
}

type fakeDevice struct {
	line    fakeLine
	tx      *fakeDMA
	rx      *fakeDMA
	cache   *fakeCache
	handler func()
	inits   int
	closes  int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{tx: newFakeDMA(), rx: newFakeDMA(), cache: newFakeCache()}
}

func (d *fakeDevice) Init(fn func()) error {
	d.handler = fn
	d.inits++
	return nil
}

func (d *fakeDevice) Close() error {
	d.closes++
	return nil
}

func (d *fakeDevice) Line() Line        { return &d.line }
func (d *fakeDevice) TXDMA() DMAChannel { return d.tx }
func (d *fakeDevice) RXDMA() DMAChannel { return d.rx }
func (d *fakeDevice) Cache() CacheOps   { return d.cache }

type engineTestEnv struct {
	t   *testing.T
	dev *fakeDevice
	eng *Engine
}

func newEngineTestEnv(t *testing.T) *engineTestEnv {
	env := &engineTestEnv{t: t, dev: newFakeDevice()}
	env.eng = New(env.dev)
	env.eng.Timeout = 100 * time.Millisecond
	require.NoError(t, env.eng.Init())
	return env
}

func (env *engineTestEnv) exchange(p *Packet) chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- env.eng.Exchange(p) }()
	return errCh
}

func (env *engineTestEnv) waitTX() DMAConfig {
	select {
	case cfg := <-env.dev.tx.startCh:
		return cfg
	case <-time.After(testWait):
		env.t.Fatal("transmit never started")
	}
	return DMAConfig{}
}

func (env *engineTestEnv) result(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(testWait):
		env.t.Fatal("exchange did not return")
	}
	return nil
}

// request reads the transmitted frame the way the wire sees it.
func (env *engineTestEnv) request(cfg DMAConfig) []byte {
	return append([]byte(nil), env.dev.cache.mem(cfg.Buf)...)
}

// reply lands a frame in receive memory the way the inbound transfer
// would, leaving the CPU-visible buffer untouched.
func (env *engineTestEnv) reply(frame []byte) {
	buf := env.dev.rx.buffer()
	copy(env.dev.cache.mem(buf)[:len(frame)], frame)
	env.dev.rx.setResidual(len(buf) - len(frame))
}

func (env *engineTestEnv) fireIdle() {
	env.dev.line.raise(StatusIdle)
	env.dev.handler()
}

func (env *engineTestEnv) fireLineError(st LineStatus) {
	env.dev.line.raise(st)
	env.dev.handler()
}

func (env *engineTestEnv) fireRXDone(st DMAStatus) {
	cb := env.dev.rx.callback()
	require.NotNil(env.t, cb)
	cb(st)
}

func frameOf(p *Packet) []byte {
	buf := make([]byte, MaxFrameSize)
	n := p.MarshalTo(buf)
	return buf[:n]
}

func TestExchangeSuccessOnIdle(t *testing.T) {
	env := newEngineTestEnv(t)
	req := NewRead(50, 4, 2)
	errCh := env.exchange(req)

	cfg := env.waitTX()
	sent := env.request(cfg)
	require.True(t, VerifyFrame(sent))
	require.Equal(t, ReqRead, FrameCode(sent))
	require.Equal(t, 2, FrameCount(sent))

	rp := &Packet{CountCode: RespSuccess | 2, Page: 50, Offset: 4}
	rp.Regs[0], rp.Regs[1] = 0x1234, 0xabcd
	env.reply(frameOf(rp))
	env.fireIdle()

	require.NoError(t, env.result(errCh))
	require.Equal(t, uint16(0x1234), req.Regs[0])
	require.Equal(t, uint16(0xabcd), req.Regs[1])
	require.Equal(t, RespSuccess, req.Code())

	rxGate, txGate := env.dev.line.gates()
	require.False(t, rxGate)
	require.False(t, txGate)
	require.False(t, env.dev.rx.isRunning())
	require.False(t, env.dev.tx.isRunning())

	stats := env.eng.Stats.Snapshot()
	require.EqualValues(t, 1, stats.Transactions)
	require.EqualValues(t, 1, stats.Idles)
	require.EqualValues(t, 0, stats.Timeouts)
}

func TestExchangeSuccessOnDMAComplete(t *testing.T) {
	env := newEngineTestEnv(t)
	req := NewRead(50, 0, MaxRegs)
	errCh := env.exchange(req)
	env.waitTX()

	rp := &Packet{CountCode: RespSuccess | byte(MaxRegs), Page: 50}
	for i := range rp.Regs {
		rp.Regs[i] = uint16(i * 3)
	}
	env.reply(frameOf(rp))
	env.fireRXDone(DMAComplete)

	require.NoError(t, env.result(errCh))
	require.Equal(t, rp.Regs, req.Regs)
	// completion came from the transfer itself, not the idle event
	require.EqualValues(t, 0, env.eng.Stats.Idles.Load())
}

func TestExchangeCRCMismatch(t *testing.T) {
	env := newEngineTestEnv(t)
	errCh := env.exchange(NewRead(50, 4, 1))
	env.waitTX()

	rp := &Packet{CountCode: RespSuccess | 1, Page: 50, Offset: 4}
	frame := frameOf(rp)
	frame[HeaderSize] ^= 0x80
	env.reply(frame)
	env.fireIdle()

	require.ErrorIs(t, env.result(errCh), ErrCRC)
	require.EqualValues(t, 1, env.eng.Stats.CRCErrors.Load())
}

func TestExchangePeerReportsCorrupt(t *testing.T) {
	env := newEngineTestEnv(t)
	errCh := env.exchange(NewWrite(51, 2, []uint16{7}))
	env.waitTX()
	env.reply(frameOf(&Packet{CountCode: RespCorrupt, Page: 51, Offset: 2}))
	env.fireIdle()
	require.ErrorIs(t, env.result(errCh), ErrCRC)
	require.EqualValues(t, 1, env.eng.Stats.CRCErrors.Load())
}

func TestExchangeShortReply(t *testing.T) {
	env := newEngineTestEnv(t)
	errCh := env.exchange(NewRead(50, 4, 4))
	env.waitTX()

	// header promises four registers but only the header arrives
	rp := &Packet{CountCode: RespSuccess | 4, Page: 50, Offset: 4}
	env.reply(frameOf(rp)[:HeaderSize])
	env.fireIdle()

	require.ErrorIs(t, env.result(errCh), ErrTransfer)
	require.EqualValues(t, 1, env.eng.Stats.BadIdles.Load())
	require.False(t, env.dev.rx.isRunning())
	require.False(t, env.dev.tx.isRunning())
}

func TestExchangeIdleWithoutData(t *testing.T) {
	env := newEngineTestEnv(t)
	errCh := env.exchange(NewRead(50, 4, 1))
	env.waitTX()
	env.fireIdle()
	require.ErrorIs(t, env.result(errCh), ErrTransfer)
	require.EqualValues(t, 1, env.eng.Stats.BadIdles.Load())
}

func TestExchangeTimeoutThenRecover(t *testing.T) {
	env := newEngineTestEnv(t)
	env.eng.Timeout = 30 * time.Millisecond
	req := NewRead(50, 4, 1)
	errCh := env.exchange(req)
	env.waitTX()

	require.ErrorIs(t, env.result(errCh), ErrTimeout)
	require.EqualValues(t, 1, env.eng.Stats.Timeouts.Load())
	require.False(t, env.dev.rx.isRunning())
	require.False(t, env.dev.tx.isRunning())

	// the dead exchange's reply straggles in and must change nothing
	rp := &Packet{CountCode: RespSuccess | 1, Page: 50, Offset: 4}
	env.reply(frameOf(rp))
	env.fireIdle()

	rp.Regs[0] = 99
	errCh = env.exchange(req)
	env.waitTX()
	env.reply(frameOf(rp))
	env.fireIdle()
	require.NoError(t, env.result(errCh))
	require.Equal(t, uint16(99), req.Regs[0])
	require.EqualValues(t, 2, env.eng.Stats.Transactions.Load())
}

func TestExchangeLineErrorAborts(t *testing.T) {
	env := newEngineTestEnv(t)
	errCh := env.exchange(NewRead(50, 4, 1))
	env.waitTX()
	env.fireLineError(StatusNoise)

	require.ErrorIs(t, env.result(errCh), ErrTransfer)
	stats := env.eng.Stats.Snapshot()
	require.EqualValues(t, 1, stats.LineErrors)
	require.EqualValues(t, 1, stats.DMAErrors)
	require.False(t, env.dev.rx.isRunning())
	require.False(t, env.dev.tx.isRunning())
}

func TestExchangeOverrunAtCompletion(t *testing.T) {
	env := newEngineTestEnv(t)
	errCh := env.exchange(NewRead(50, 0, MaxRegs))
	env.waitTX()

	rp := &Packet{CountCode: RespSuccess | byte(MaxRegs), Page: 50}
	env.reply(frameOf(rp))
	// a byte beyond the frame is already sitting in the data register
	env.dev.line.raise(StatusOverrun | StatusRXReady)
	env.fireRXDone(DMAComplete)

	require.ErrorIs(t, env.result(errCh), ErrTransfer)
	require.GreaterOrEqual(t, env.dev.line.drainCount(), 1)
}

func TestDuplicateCompletionDelivery(t *testing.T) {
	env := newEngineTestEnv(t)
	req := NewRead(50, 4, 1)
	errCh := env.exchange(req)
	env.waitTX()

	rp := &Packet{CountCode: RespSuccess | 1, Page: 50, Offset: 4}
	rp.Regs[0] = 0x55aa
	env.reply(frameOf(rp))

	// the transfer completion and the idle event race in, plus a stutter
	env.fireRXDone(DMAComplete)
	env.fireIdle()
	env.fireRXDone(DMAComplete)

	require.NoError(t, env.result(errCh))
	require.Equal(t, uint16(0x55aa), req.Regs[0])

	// the engine is immediately reusable
	errCh = env.exchange(req)
	env.waitTX()
	env.reply(frameOf(rp))
	env.fireIdle()
	require.NoError(t, env.result(errCh))
}

func TestCompletionBeforeWait(t *testing.T) {
	env := newEngineTestEnv(t)
	rp := &Packet{CountCode: RespSuccess | 1, Page: 50, Offset: 4}
	rp.Regs[0] = 0x0102
	// the reply lands and the line goes idle while Exchange is still
	// arming, before it ever blocks
	env.dev.tx.onStart = func(*fakeDMA) {
		env.reply(frameOf(rp))
		env.fireIdle()
	}
	req := NewRead(50, 4, 1)
	require.NoError(t, env.eng.Exchange(req))
	require.Equal(t, uint16(0x0102), req.Regs[0])
}

func TestEventsWhileInactive(t *testing.T) {
	env := newEngineTestEnv(t)
	env.dev.line.raise(StatusRXReady | StatusOverrun | StatusIdle)
	env.dev.handler()
	require.Equal(t, LineStatus(0), env.dev.line.Status()&StatusSticky)
	require.GreaterOrEqual(t, env.dev.line.drainCount(), 1)

	// nothing was posted, so the next exchange is not woken spuriously
	req := NewRead(50, 4, 1)
	errCh := env.exchange(req)
	env.waitTX()
	rp := &Packet{CountCode: RespSuccess | 1, Page: 50, Offset: 4}
	rp.Regs[0] = 7
	env.reply(frameOf(rp))
	env.fireIdle()
	require.NoError(t, env.result(errCh))
	require.Equal(t, uint16(7), req.Regs[0])
}

func TestSendPolled(t *testing.T) {
	env := newEngineTestEnv(t)
	require.NoError(t, env.eng.SendPolled([]byte{0x55, 0x55, 0x55}))
	require.Equal(t, []byte{0x55, 0x55, 0x55}, env.dev.line.polled())
	rxGate, txGate := env.dev.line.gates()
	require.False(t, rxGate)
	require.False(t, txGate)
	require.False(t, env.dev.rx.isRunning())
	require.False(t, env.dev.tx.isRunning())
}

func TestExchangeBeforeInit(t *testing.T) {
	eng := New(newFakeDevice())
	require.ErrorIs(t, eng.Exchange(NewRead(1, 0, 1)), ErrClosed)
}

func TestCloseReleasesExchange(t *testing.T) {
	env := newEngineTestEnv(t)
	env.eng.Timeout = time.Second
	errCh := env.exchange(NewRead(50, 4, 1))
	env.waitTX()
	require.NoError(t, env.eng.Close())
	require.ErrorIs(t, env.result(errCh), ErrTransfer)
	require.Equal(t, 1, env.dev.closes)
	require.ErrorIs(t, env.eng.Exchange(NewRead(1, 0, 1)), ErrClosed)
}
