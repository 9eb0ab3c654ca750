package ioreg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
)

var (
	// ErrShortReply indicates the peer answered a read with fewer
	// registers than requested.
	ErrShortReply = errors.New("short read reply")
	// ErrCount indicates a register count outside 1..MaxRegs.
	ErrCount = errors.New("register count out of range")
)

// RegisterError reports a page/offset access the peer rejected.
type RegisterError struct {
	Page   byte
	Offset byte
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("io rejected access to page %d offset %d", e.Page, e.Offset)
}

// Exchanger performs one request/reply transaction, rewriting the
// packet in place with the reply.
type Exchanger interface {
	Exchange(p *iolink.Packet) error
}

// Client maps register reads and writes onto wire transactions. Calls
// are serialized so concurrent users share the single outstanding
// transaction the link allows.
type Client struct {
	// Stats, when set, receives protocol error counts. Point it at the
	// engine's counters to keep one ledger for the whole link.
	Stats *iolink.Counters

	lock sync.Mutex
	x    Exchanger
}

// NewClient creates a register client over an exchanger.
func NewClient(x Exchanger) *Client {
	return &Client{x: x}
}

// Read fetches len(vals) registers starting at page/offset.
func (c *Client) Read(page, offset byte, vals []uint16) error {
	if len(vals) == 0 || len(vals) > iolink.MaxRegs {
		return ErrCount
	}
	p := iolink.NewRead(page, offset, len(vals))
	if err := c.exchange(p); err != nil {
		return err
	}
	if p.Code() == iolink.RespError {
		c.countProtocolError()
		return &RegisterError{Page: page, Offset: offset}
	}
	if p.Count() < len(vals) {
		c.countProtocolError()
		return ErrShortReply
	}
	copy(vals, p.Regs[:len(vals)])
	return nil
}

// Write stores len(vals) registers starting at page/offset.
func (c *Client) Write(page, offset byte, vals []uint16) error {
	if len(vals) == 0 || len(vals) > iolink.MaxRegs {
		return ErrCount
	}
	p := iolink.NewWrite(page, offset, vals)
	if err := c.exchange(p); err != nil {
		return err
	}
	if p.Code() == iolink.RespError {
		c.countProtocolError()
		return &RegisterError{Page: page, Offset: offset}
	}
	return nil
}

// ReadReg fetches a single register.
func (c *Client) ReadReg(page, offset byte) (uint16, error) {
	var v [1]uint16
	if err := c.Read(page, offset, v[:]); err != nil {
		return 0, err
	}
	return v[0], nil
}

// WriteReg stores a single register.
func (c *Client) WriteReg(page, offset byte, val uint16) error {
	return c.Write(page, offset, []uint16{val})
}

// Modify rewrites one register with clearbits cleared and setbits set.
// The read and the write are separate transactions.
func (c *Client) Modify(page, offset byte, clearbits, setbits uint16) error {
	v, err := c.ReadReg(page, offset)
	if err != nil {
		return err
	}
	v &^= clearbits
	v |= setbits
	return c.WriteReg(page, offset, v)
}

// Version fetches the protocol revision the peer reports.
func (c *Client) Version() (uint16, error) {
	return c.ReadReg(PageConfig, RegConfigProtocolVersion)
}

// Heartbeat fetches the peer's request counter.
func (c *Client) Heartbeat() (uint16, error) {
	return c.ReadReg(PageStatus, RegStatusHeartbeat)
}

func (c *Client) exchange(p *iolink.Packet) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.x.Exchange(p)
}

func (c *Client) countProtocolError() {
	if c.Stats != nil {
		c.Stats.ProtocolErrors.Inc()
	}
}
