package iosim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/hostio"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/wire"
	"github.com/render-se/PX4-Autopilot/pkg/ioreg"
)

type simTestEnv struct {
	t   *testing.T
	sim *Coproc
	eng *iolink.Engine
}

func newSimTestEnv(t *testing.T) *simTestEnv {
	host, peer := wire.Pipe()
	env := &simTestEnv{t: t, sim: NewCoproc(peer)}

	ctx, cancel := context.WithCancel(context.Background())
	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		env.sim.Run(ctx)
	}()

	dev := hostio.NewDevice(host, hostio.Config{CharTime: 2 * time.Millisecond})
	env.eng = iolink.New(dev)
	env.eng.Timeout = 400 * time.Millisecond
	require.NoError(t, env.eng.Init())

	t.Cleanup(func() {
		env.eng.Close()
		cancel()
		select {
		case <-simDone:
		case <-time.After(500 * time.Millisecond):
			t.Error("sim did not stop")
		}
	})
	return env
}

func (env *simTestEnv) read(page, offset byte, count int) *iolink.Packet {
	p := iolink.NewRead(page, offset, count)
	require.NoError(env.t, env.eng.Exchange(p))
	return p
}

func TestSimReadConfig(t *testing.T) {
	env := newSimTestEnv(t)
	p := env.read(ioreg.PageConfig, ioreg.RegConfigProtocolVersion, 2)
	require.Equal(t, iolink.RespSuccess, p.Code())
	require.Equal(t, 2, p.Count())
	require.Equal(t, uint16(ioreg.ProtocolVersion), p.Regs[0])
	require.Equal(t, uint16(iolink.MaxRegs), p.Regs[1])
}

func TestSimWriteReadbackLED(t *testing.T) {
	env := newSimTestEnv(t)

	w := iolink.NewWrite(ioreg.PageTest, ioreg.RegTestLED, []uint16{1})
	require.NoError(t, env.eng.Exchange(w))
	require.Equal(t, iolink.RespSuccess, w.Code())

	led, ok := env.sim.Register(ioreg.PageTest, ioreg.RegTestLED)
	require.True(t, ok)
	require.Equal(t, uint16(1), led)

	p := env.read(ioreg.PageTest, ioreg.RegTestLED, 1)
	require.Equal(t, uint16(1), p.Regs[0])
}

func TestSimWriteReadOnlyPage(t *testing.T) {
	env := newSimTestEnv(t)
	w := iolink.NewWrite(ioreg.PageConfig, ioreg.RegConfigProtocolVersion, []uint16{99})
	require.NoError(t, env.eng.Exchange(w))
	require.Equal(t, iolink.RespError, w.Code())

	ver, _ := env.sim.Register(ioreg.PageConfig, ioreg.RegConfigProtocolVersion)
	require.Equal(t, uint16(ioreg.ProtocolVersion), ver)
}

func TestSimUnknownPage(t *testing.T) {
	env := newSimTestEnv(t)
	p := iolink.NewRead(99, 0, 1)
	require.NoError(t, env.eng.Exchange(p))
	require.Equal(t, iolink.RespError, p.Code())
}

func TestSimPartialRead(t *testing.T) {
	env := newSimTestEnv(t)
	// the status page has three registers, asking past the end clamps
	p := env.read(ioreg.PageStatus, ioreg.RegStatusFrames, 10)
	require.Equal(t, iolink.RespSuccess, p.Code())
	require.Equal(t, 2, p.Count())
}

func TestSimCorruptReplyThenClean(t *testing.T) {
	env := newSimTestEnv(t)
	env.sim.CorruptReplies(1)
	require.ErrorIs(t, env.eng.Exchange(iolink.NewRead(ioreg.PageConfig, 0, 1)), iolink.ErrCRC)
	require.EqualValues(t, 1, env.eng.Stats.CRCErrors.Load())

	p := env.read(ioreg.PageConfig, ioreg.RegConfigProtocolVersion, 1)
	require.Equal(t, uint16(ioreg.ProtocolVersion), p.Regs[0])
}

func TestSimTruncatedReply(t *testing.T) {
	env := newSimTestEnv(t)
	env.sim.TruncateReplies(1)
	require.ErrorIs(t, env.eng.Exchange(iolink.NewRead(ioreg.PageConfig, 0, 2)), iolink.ErrTransfer)
	require.EqualValues(t, 1, env.eng.Stats.BadIdles.Load())
}

func TestSimDroppedReplyThenRecover(t *testing.T) {
	env := newSimTestEnv(t)
	env.eng.Timeout = 60 * time.Millisecond
	env.sim.DropReplies(1)
	require.ErrorIs(t, env.eng.Exchange(iolink.NewRead(ioreg.PageConfig, 0, 1)), iolink.ErrTimeout)

	p := env.read(ioreg.PageConfig, ioreg.RegConfigProtocolVersion, 1)
	require.Equal(t, uint16(ioreg.ProtocolVersion), p.Regs[0])

	stats := env.eng.Stats.Snapshot()
	require.EqualValues(t, 1, stats.Timeouts)
	require.EqualValues(t, 2, stats.Transactions)
}

func TestSimForcedError(t *testing.T) {
	env := newSimTestEnv(t)
	env.sim.ForceErrors(1)
	p := iolink.NewRead(ioreg.PageConfig, 0, 1)
	require.NoError(t, env.eng.Exchange(p))
	require.Equal(t, iolink.RespError, p.Code())

	p = env.read(ioreg.PageConfig, ioreg.RegConfigProtocolVersion, 1)
	require.Equal(t, uint16(ioreg.ProtocolVersion), p.Regs[0])
}

func TestSimReplyDelay(t *testing.T) {
	env := newSimTestEnv(t)
	env.sim.SetReplyDelay(30 * time.Millisecond)
	p := env.read(ioreg.PageConfig, ioreg.RegConfigProtocolVersion, 1)
	require.Equal(t, uint16(ioreg.ProtocolVersion), p.Regs[0])
}

func TestSimDelayPastDeadline(t *testing.T) {
	env := newSimTestEnv(t)
	env.eng.Timeout = 50 * time.Millisecond
	env.sim.SetReplyDelay(150 * time.Millisecond)
	require.ErrorIs(t, env.eng.Exchange(iolink.NewRead(ioreg.PageConfig, 0, 1)), iolink.ErrTimeout)

	// let the stale reply land and get drained before talking again
	env.sim.ClearFaults()
	time.Sleep(200 * time.Millisecond)

	p := env.read(ioreg.PageConfig, ioreg.RegConfigProtocolVersion, 1)
	require.Equal(t, uint16(ioreg.ProtocolVersion), p.Regs[0])
}

func TestSimHeartbeat(t *testing.T) {
	env := newSimTestEnv(t)
	p := env.read(ioreg.PageStatus, ioreg.RegStatusHeartbeat, 1)
	first := p.Regs[0]
	p = env.read(ioreg.PageStatus, ioreg.RegStatusHeartbeat, 1)
	require.Equal(t, first+1, p.Regs[0])
}
