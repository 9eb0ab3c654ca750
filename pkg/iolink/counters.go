package iolink

import (
	"time"

	"go.uber.org/atomic"
)

// Counters tracks link activity and faults. All fields are safe for
// concurrent update; the zero value is ready to use.
type Counters struct {
	Transactions   atomic.Uint64
	DMAErrors      atomic.Uint64
	LineErrors     atomic.Uint64
	Timeouts       atomic.Uint64
	CRCErrors      atomic.Uint64
	ProtocolErrors atomic.Uint64
	Retries        atomic.Uint64
	Idles          atomic.Uint64
	BadIdles       atomic.Uint64
	ExchangeTime   atomic.Duration
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	Transactions   uint64        `json:"transactions"`
	DMAErrors      uint64        `json:"dma_errors"`
	LineErrors     uint64        `json:"line_errors"`
	Timeouts       uint64        `json:"timeouts"`
	CRCErrors      uint64        `json:"crc_errors"`
	ProtocolErrors uint64        `json:"protocol_errors"`
	Retries        uint64        `json:"retries"`
	Idles          uint64        `json:"idles"`
	BadIdles       uint64        `json:"bad_idles"`
	ExchangeTime   time.Duration `json:"exchange_time"`
}

// Snapshot captures the current counter values.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Transactions:   c.Transactions.Load(),
		DMAErrors:      c.DMAErrors.Load(),
		LineErrors:     c.LineErrors.Load(),
		Timeouts:       c.Timeouts.Load(),
		CRCErrors:      c.CRCErrors.Load(),
		ProtocolErrors: c.ProtocolErrors.Load(),
		Retries:        c.Retries.Load(),
		Idles:          c.Idles.Load(),
		BadIdles:       c.BadIdles.Load(),
		ExchangeTime:   c.ExchangeTime.Load(),
	}
}
