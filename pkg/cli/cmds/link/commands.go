package link

import (
	"fmt"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/render-se/PX4-Autopilot/pkg/cli/sh"
	"github.com/render-se/PX4-Autopilot/pkg/iolink"
	"github.com/render-se/PX4-Autopilot/pkg/ioreg"
)

var (
	// StatusCmd reads the config and status pages.
	StatusCmd = ishell.Cmd{
		Name:    "status",
		Aliases: []string{"st"},
		Help:    "",
		Func: sh.MustBeOpen(func(c *ishell.Context) {
			s := sh.ShellFrom(c)
			client := s.Session.Client
			var cfg [2]uint16
			if err := client.Read(ioreg.PageConfig, 0, cfg[:]); err != nil {
				c.Err(err)
				return
			}
			var stat [3]uint16
			if err := client.Read(ioreg.PageStatus, 0, stat[:]); err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				sh.PrintJSON(c, map[string]uint16{
					"protocol_version": cfg[0],
					"max_transfer":     cfg[1],
					"heartbeat":        stat[0],
					"frames":           stat[1],
					"crc_errors":       stat[2],
				})
				return
			}
			c.Printf("protocol version %d, max transfer %d regs\n", cfg[0], cfg[1])
			c.Printf("heartbeat %d, frames %d, crc errors %d\n", stat[0], stat[1], stat[2])
		}),
	}

	// ReadCmd reads registers.
	ReadCmd = ishell.Cmd{
		Name:    "read",
		Aliases: []string{"r"},
		Help:    "PAGE OFFSET [COUNT]",
		Func: sh.MustBeOpen(func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("PAGE and OFFSET required"))
				return
			}
			page, offset, err := parsePageOffset(c.Args[0], c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			count := 1
			if len(c.Args) > 2 {
				if count, err = strconv.Atoi(c.Args[2]); err != nil || count < 1 || count > iolink.MaxRegs {
					c.Err(fmt.Errorf("invalid COUNT %q", c.Args[2]))
					return
				}
			}
			s := sh.ShellFrom(c)
			vals := make([]uint16, count)
			if err := s.Session.Client.Read(page, offset, vals); err != nil {
				c.Err(err)
				return
			}
			if s.OutputJSON {
				sh.PrintJSON(c, vals)
				return
			}
			for i, v := range vals {
				c.Printf("[%d:%d] 0x%04x %d\n", page, int(offset)+i, v, v)
			}
		}),
	}

	// WriteCmd writes registers.
	WriteCmd = ishell.Cmd{
		Name:    "write",
		Aliases: []string{"w"},
		Help:    "PAGE OFFSET VAL...",
		Func: sh.MustBeOpen(func(c *ishell.Context) {
			if len(c.Args) < 3 {
				c.Err(fmt.Errorf("PAGE, OFFSET and VAL required"))
				return
			}
			page, offset, err := parsePageOffset(c.Args[0], c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			vals, err := parseVals(c.Args[2:])
			if err != nil {
				c.Err(err)
				return
			}
			if err := sh.ShellFrom(c).Session.Client.Write(page, offset, vals); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		}),
	}

	// StatsCmd dumps the link counters.
	StatsCmd = ishell.Cmd{
		Name:    "stats",
		Aliases: []string{"s"},
		Help:    "",
		Func: sh.MustBeOpen(func(c *ishell.Context) {
			s := sh.ShellFrom(c)
			snap := s.Session.Engine.Stats.Snapshot()
			if s.OutputJSON {
				sh.PrintJSON(c, &snap)
				return
			}
			c.Printf("transactions    %d\n", snap.Transactions)
			c.Printf("timeouts        %d\n", snap.Timeouts)
			c.Printf("crc errors      %d\n", snap.CRCErrors)
			c.Printf("dma errors      %d\n", snap.DMAErrors)
			c.Printf("line errors     %d\n", snap.LineErrors)
			c.Printf("protocol errors %d\n", snap.ProtocolErrors)
			c.Printf("idles           %d\n", snap.Idles)
			c.Printf("bad idles       %d\n", snap.BadIdles)
			c.Printf("retries         %d\n", snap.Retries)
			c.Printf("exchange time   %s\n", snap.ExchangeTime)
		}),
	}

	// FaultCmd injects delivery faults on the in-process sim.
	FaultCmd = ishell.Cmd{
		Name: "fault",
		Help: "drop|crc|short|err [N] | delay MS | none",
		Func: sh.MustBeOpen(func(c *ishell.Context) {
			sim := sh.ShellFrom(c).Session.Sim
			if sim == nil {
				c.Err(fmt.Errorf("fault injection needs the in-process sim"))
				return
			}
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("fault kind required"))
				return
			}
			kind := c.Args[0]
			n := 1
			if len(c.Args) > 1 {
				var err error
				if n, err = strconv.Atoi(c.Args[1]); err != nil || n < 0 {
					c.Err(fmt.Errorf("invalid count %q", c.Args[1]))
					return
				}
			} else if kind == "delay" {
				c.Err(fmt.Errorf("delay needs MS"))
				return
			}
			switch kind {
			case "drop":
				sim.DropReplies(n)
			case "crc":
				sim.CorruptReplies(n)
			case "short":
				sim.TruncateReplies(n)
			case "err":
				sim.ForceErrors(n)
			case "delay":
				sim.SetReplyDelay(time.Duration(n) * time.Millisecond)
			case "none":
				sim.ClearFaults()
			default:
				c.Err(fmt.Errorf("unknown fault kind %q", kind))
			}
		}),
	}

	// PolledCmd transmits a diagnostic byte pattern without DMA.
	PolledCmd = ishell.Cmd{
		Name: "polled",
		Help: "[N]",
		Func: sh.MustBeOpen(func(c *ishell.Context) {
			n := 16
			if len(c.Args) > 0 {
				var err error
				if n, err = strconv.Atoi(c.Args[0]); err != nil || n < 1 || n > 4096 {
					c.Err(fmt.Errorf("invalid N %q", c.Args[0]))
					return
				}
			}
			buf := make([]byte, n)
			for i := range buf {
				buf[i] = 0x55
			}
			if err := sh.ShellFrom(c).Session.Engine.SendPolled(buf); err != nil {
				c.Err(err)
				return
			}
			c.Printf("sent %d bytes\n", n)
		}),
	}

	// SelftestCmd hammers the link with exchanges and reports counters.
	SelftestCmd = ishell.Cmd{
		Name: "selftest",
		Help: "[N]",
		Func: sh.MustBeOpen(func(c *ishell.Context) {
			s := sh.ShellFrom(c)
			n := 100
			if len(c.Args) > 0 {
				var err error
				if n, err = strconv.Atoi(c.Args[0]); err != nil || n < 1 {
					c.Err(fmt.Errorf("invalid N %q", c.Args[0]))
					return
				}
			}
			client := s.Session.Client
			var failures int
			start := time.Now()
			for i := 0; i < n; i++ {
				v, err := client.Version()
				if err != nil || v != ioreg.ProtocolVersion {
					failures++
				}
			}
			elapsed := time.Since(start)
			snap := s.Session.Engine.Stats.Snapshot()
			if s.OutputJSON {
				sh.PrintJSON(c, map[string]interface{}{
					"exchanges": n,
					"failures":  failures,
					"elapsed":   elapsed.String(),
					"stats":     &snap,
				})
				return
			}
			c.Printf("%d exchanges, %d failures in %s\n", n, failures, elapsed)
			c.Printf("transactions %d, timeouts %d, crc errors %d, dma errors %d, line errors %d\n",
				snap.Transactions, snap.Timeouts, snap.CRCErrors, snap.DMAErrors, snap.LineErrors)
		}),
	}
)

func parsePageOffset(pageArg, offsetArg string) (byte, byte, error) {
	page, err := parseByte(pageArg)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid PAGE: %v", err)
	}
	offset, err := parseByte(offsetArg)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid OFFSET: %v", err)
	}
	return page, offset, nil
}

func parseByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

func parseVals(args []string) ([]uint16, error) {
	vals := make([]uint16, len(args))
	for i, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid VAL %q: %v", arg, err)
		}
		vals[i] = uint16(v)
	}
	return vals, nil
}

func init() {
	sh.AddCmds(
		&StatusCmd,
		&ReadCmd,
		&WriteCmd,
		&StatsCmd,
		&FaultCmd,
		&PolledCmd,
		&SelftestCmd,
	)
}
