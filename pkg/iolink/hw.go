package iolink

// LineStatus is a bit set of latched serial line conditions.
type LineStatus uint32

const (
	// StatusRXReady indicates a received byte is held in the data register.
	StatusRXReady LineStatus = 1 << iota
	// StatusParity indicates a parity fault was latched.
	StatusParity
	// StatusFraming indicates a framing fault was latched.
	StatusFraming
	// StatusNoise indicates line noise was detected.
	StatusNoise
	// StatusOverrun indicates a received byte was lost.
	StatusOverrun
	// StatusIdle indicates the line went quiet after carrying traffic.
	StatusIdle
	// StatusTXEmpty indicates the transmit register can accept a byte.
	StatusTXEmpty
)

// StatusLineErrors are the receive faults that abort a waiting exchange.
const StatusLineErrors = StatusOverrun | StatusNoise | StatusFraming

// StatusSticky are the latched flags acknowledged through Clear.
const StatusSticky = StatusParity | StatusFraming | StatusNoise | StatusOverrun | StatusIdle

// DMADir selects which way a channel moves bytes.
type DMADir int

const (
	// DMAMemToLine transmits from the buffer to the line.
	DMAMemToLine DMADir = iota
	// DMALineToMem receives from the line into the buffer.
	DMALineToMem
)

// DMAStatus is the terminal status of a transfer.
type DMAStatus int

const (
	// DMAComplete reports the full configured length was moved.
	DMAComplete DMAStatus = iota
	// DMAError reports a transfer fault.
	DMAError
)

// DMACallback receives the terminal status of a started transfer. It runs
// on the device's event context and must not block.
type DMACallback func(DMAStatus)

// DMAConfig describes a single one-shot transfer. len(Buf) is the
// transfer length.
type DMAConfig struct {
	Dir DMADir
	Buf []byte
}

// DMAChannel moves bytes between a buffer and the line without CPU copies.
type DMAChannel interface {
	// Setup programs the channel for one transfer without starting it.
	Setup(DMAConfig) error
	// Start begins the programmed transfer. cb may be nil when completion
	// is observed elsewhere.
	Start(cb DMACallback)
	// Stop halts the channel. Idempotent, callable in any state.
	Stop()
	// Residual returns how many configured bytes were not transferred.
	Residual() int
}

// Line is the half-duplex serial line shared with the IO processor.
type Line interface {
	// Status returns the currently latched status flags.
	Status() LineStatus
	// Clear acknowledges latched flags.
	Clear(LineStatus)
	// DrainRX discards a byte held in the data register.
	DrainRX()
	// SetRXDMA gates receive DMA requests from the line.
	SetRXDMA(on bool)
	// SetTXDMA gates transmit DMA requests to the line.
	SetTXDMA(on bool)
	// TXEmpty reports whether the transmit register can accept a byte.
	TXEmpty() bool
	// LoadTX places one byte in the transmit register, bypassing DMA.
	LoadTX(b byte)
}

// CacheOps maintains coherency between the CPU's view of a buffer and the
// memory DMA transfers touch.
type CacheOps interface {
	// Clean publishes CPU writes in p before an outbound transfer.
	Clean(p []byte)
	// Invalidate discards cached content of p after an inbound transfer.
	Invalidate(p []byte)
}

// CacheLineSize is the granularity of cache maintenance. DMA buffer
// regions are rounded up to it.
const CacheLineSize = 32

// AlignCache rounds n up to a multiple of CacheLineSize.
func AlignCache(n int) int {
	return (n + CacheLineSize - 1) &^ (CacheLineSize - 1)
}

// Device owns the hardware resources behind one IO link: the serial line,
// one DMA channel per direction, and cache maintenance over the packet
// buffer.
type Device interface {
	// Init acquires the line and both DMA channels and binds fn as the
	// line event handler. fn runs on the device's event context,
	// serialized with DMA callbacks, and must not block.
	Init(fn func()) error
	// Close releases everything acquired by Init.
	Close() error

	// Line returns the serial line. Valid after Init.
	Line() Line
	// TXDMA returns the transmit channel. Valid after Init.
	TXDMA() DMAChannel
	// RXDMA returns the receive channel. Valid after Init.
	RXDMA() DMAChannel
	// Cache returns the cache maintenance interface. Valid after Init.
	Cache() CacheOps
}
